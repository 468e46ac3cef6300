// Package sessions groups matches recorded on one occasion.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/matches"
	"github.com/xaitan80/X-Score/internal/models"
	"github.com/xaitan80/X-Score/internal/store"
)

const maxIDLen = 64

// Detail is a session together with its matches in list order.
type Detail struct {
	Session models.Session `json:"session"`
	Matches []models.Match `json:"matches"`
}

type Service struct {
	store   store.Store
	matches *matches.Service
	clock   clockwork.Clock
}

func NewService(st store.Store, ms *matches.Service, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: st, matches: ms, clock: clock}
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperr.Validation("missing_session_id", "session id is required")
	}
	if len(id) > maxIDLen || strings.ContainsAny(id, "/?#") {
		return "", apperr.Validation("invalid_session_id", "session id is too long or has invalid characters")
	}
	return id, nil
}

// Create stores a new session; empty names get "Session (YYYY-MM-DD)".
func (s *Service) Create(ctx context.Context, id, name string) (models.Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return models.Session{}, err
	}
	now := s.clock.Now().UTC()
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultSessionName(now)
	}
	sess := models.Session{ID: id, Name: name, CreatedAt: now, MatchIDs: []string{}}
	switch err := s.store.CreateSession(ctx, sess); {
	case errors.Is(err, store.ErrExists):
		return models.Session{}, apperr.Conflict("session_exists", "session already exists")
	case err != nil:
		return models.Session{}, apperr.WriteFailure("store_write_failed", "could not create session", err)
	}
	log.Info().Str("session_id", id).Msg("session created")
	return sess, nil
}

// Join returns an existing session, or creates it when create is set.
func (s *Service) Join(ctx context.Context, id string, create bool) (models.Session, bool, error) {
	id, err := normalizeID(id)
	if err != nil {
		return models.Session{}, false, err
	}
	sess, err := s.load(ctx, id)
	if err == nil {
		return sess, false, nil
	}
	if !create || !apperr.Is(err, apperr.KindNotFound) {
		return models.Session{}, false, err
	}
	sess, err = s.Create(ctx, id, "")
	if apperr.Is(err, apperr.KindConflict) {
		// created concurrently
		sess, err = s.load(ctx, id)
		return sess, false, err
	}
	return sess, err == nil, err
}

func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return s.detail(ctx, sess)
}

func (s *Service) detail(ctx context.Context, sess models.Session) (Detail, error) {
	list, err := s.matches.List(ctx, sess.MatchIDs)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Session: sess, Matches: list}, nil
}

// AddMatch creates a match owned by the session and appends it to the list.
func (s *Service) AddMatch(ctx context.Context, sessionID string, d matches.Draft) (matches.Created, error) {
	if _, err := s.load(ctx, sessionID); err != nil {
		return matches.Created{}, err
	}
	created, err := s.matches.Create(ctx, sessionID, d)
	if err != nil {
		return matches.Created{}, err
	}
	if _, err := s.store.AppendSessionMatch(ctx, sessionID, created.Match.ID); err != nil {
		return matches.Created{}, apperr.WriteFailure("store_write_failed", "could not add match to session", err)
	}
	return created, nil
}

// Import adds one match per row; failing rows are reported, not fatal.
func (s *Service) Import(ctx context.Context, sessionID string, rows []matches.ImportRow) (matches.ImportResult, error) {
	if _, err := s.load(ctx, sessionID); err != nil {
		return matches.ImportResult{}, err
	}
	res := matches.ImportResult{Created: []matches.Created{}, Errors: []string{}}
	for _, row := range rows {
		created, err := s.AddMatch(ctx, sessionID, row.Draft)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %s", row.Line, matches.ErrorMessage(err)))
			continue
		}
		res.Created = append(res.Created, created)
	}
	res.Failed = len(res.Errors)
	log.Info().Str("session_id", sessionID).Int("created", len(res.Created)).Int("failed", res.Failed).Msg("fixtures imported")
	return res, nil
}

func (s *Service) load(ctx context.Context, id string) (models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Session{}, apperr.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		return models.Session{}, apperr.Internal("store_read_failed", "could not load session", err)
	}
	return sess, nil
}
