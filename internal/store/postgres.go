package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/models"
)

const (
	pgMatches  = "xscore_matches"
	pgSessions = "xscore_sessions"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + pgSessions + ` (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + pgMatches + ` (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		doc JSONB NOT NULL,
		admin_key_hash TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS xscore_matches_session_idx ON ` + pgMatches + ` (session_id)`,
}

// PostgresStore keeps each document as a jsonb row. Commits raise
// pg_notify on the table's channel; every instance LISTENs and republishes
// the fresh document on its local bus.
type PostgresStore struct {
	pool *pgxpool.Pool
	bus  *feed.Bus
	sb   sq.StatementBuilderType

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func OpenPostgres(ctx context.Context, url string, bus *feed.Bus) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:   pool,
		bus:    bus,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.listen(lctx)
	return s, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess models.Session) error {
	if sess.MatchIDs == nil {
		sess.MatchIDs = []string{}
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert(pgSessions).
		Columns("id", "doc").
		Values(sess.ID, doc).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	return s.getSession(ctx, s.pool, id, false)
}

func (s *PostgresStore) AppendSessionMatch(ctx context.Context, sessionID, matchID string) (models.Session, error) {
	var out models.Session
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sess, err := s.getSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if !sess.HasMatch(matchID) {
			sess.MatchIDs = append(sess.MatchIDs, matchID)
			doc, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			if err := s.exec(ctx, tx, s.sb.Update(pgSessions).
				Set("doc", doc).
				Set("updated_at", sq.Expr("now()")).
				Where(sq.Eq{"id": sessionID})); err != nil {
				return err
			}
			if err := notify(ctx, tx, pgSessions, sessionID); err != nil {
				return err
			}
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *PostgresStore) CreateMatch(ctx context.Context, m models.Match) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert(pgMatches).
		Columns("id", "session_id", "doc", "admin_key_hash").
		Values(m.ID, m.SessionID, doc, m.AdminKeyHash).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	return s.getMatch(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetMatches(ctx context.Context, ids []string) ([]models.Match, error) {
	if len(ids) == 0 {
		return []models.Match{}, nil
	}
	query, args, err := s.sb.Select("id", "doc", "admin_key_hash").
		From(pgMatches).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select matches: %w", err)
	}
	defer rows.Close()

	found := make(map[string]models.Match, len(ids))
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		found[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderByIDs(ids, found), nil
}

func (s *PostgresStore) UpdateMatch(ctx context.Context, id string, ups ...Update) (models.Match, error) {
	var out models.Match
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := s.getMatch(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := models.ApplyUpdates(&m, ups...); err != nil {
			return err
		}
		doc, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.exec(ctx, tx, s.sb.Update(pgMatches).
			Set("doc", doc).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id})); err != nil {
			return err
		}
		out = m
		return notify(ctx, tx, pgMatches, id)
	})
	return out, err
}

func (s *PostgresStore) SubscribeMatch(id string, onUpdate func(models.Match), onError func(error)) (Subscription, error) {
	return busSubscribe(s.bus, feed.MatchTopic(id), feed.TypeMatch, onUpdate, onError), nil
}

func (s *PostgresStore) SubscribeSession(id string, onUpdate func(models.Session), onError func(error)) (Subscription, error) {
	return busSubscribe(s.bus, feed.SessionTopic(id), feed.TypeSession, onUpdate, onError), nil
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getMatch(ctx context.Context, q querier, id string, lock bool) (models.Match, error) {
	b := s.sb.Select("id", "doc", "admin_key_hash").From(pgMatches).Where(sq.Eq{"id": id})
	if lock {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return models.Match{}, err
	}
	m, err := scanMatch(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Match{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) getSession(ctx context.Context, q querier, id string, lock bool) (models.Session, error) {
	b := s.sb.Select("doc").From(pgSessions).Where(sq.Eq{"id": id})
	if lock {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return models.Session{}, err
	}
	var doc []byte
	if err := q.QueryRow(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess.ID = id
	if sess.MatchIDs == nil {
		sess.MatchIDs = []string{}
	}
	return sess, nil
}

func scanMatch(row pgx.Row) (models.Match, error) {
	var (
		id, hash string
		doc      []byte
	)
	if err := row.Scan(&id, &doc, &hash); err != nil {
		return models.Match{}, err
	}
	var m models.Match
	if err := json.Unmarshal(doc, &m); err != nil {
		return models.Match{}, fmt.Errorf("decode match %s: %w", id, err)
	}
	m.ID = id
	m.AdminKeyHash = hash
	m.Timer.Running = false
	return m, nil
}

func (s *PostgresStore) exec(ctx context.Context, tx pgx.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, query, args...)
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// notify is delivered to listeners when the surrounding transaction commits.
func notify(ctx context.Context, tx pgx.Tx, channel, id string) error {
	_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, id)
	return err
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("postgres listener dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	for _, ch := range []string{pgMatches, pgSessions} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.republish(ctx, n.Channel, n.Payload)
	}
}

func (s *PostgresStore) republish(ctx context.Context, channel, id string) {
	var (
		ev  feed.Event
		err error
	)
	switch channel {
	case pgMatches:
		var m models.Match
		if m, err = s.GetMatch(ctx, id); err == nil {
			ev, err = feed.NewEvent(feed.MatchTopic(id), feed.TypeMatch, m)
		}
	case pgSessions:
		var sess models.Session
		if sess, err = s.GetSession(ctx, id); err == nil {
			ev, err = feed.NewEvent(feed.SessionTopic(id), feed.TypeSession, sess)
		}
	default:
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Str("id", id).Msg("reload after notify failed")
		return
	}
	// Every instance receives the notification itself, so nothing is relayed.
	s.bus.Deliver(ev)
}
