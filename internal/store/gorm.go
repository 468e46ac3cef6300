package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	dbpkg "github.com/xaitan80/X-Score/internal/db"
	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/models"
)

type matchRecord struct {
	ID             string `gorm:"primaryKey"`
	SessionID      string `gorm:"index"`
	Title          string
	TeamA          string
	TeamB          string
	ScoreA         int
	ScoreB         int
	Stats          models.Stats  `gorm:"serializer:json"`
	Goals          []models.Goal `gorm:"serializer:json"`
	Finished       bool
	FinishedAt     *time.Time
	ElapsedSeconds int
	AdminKeyHash   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (matchRecord) TableName() string { return "matches" }

func (r matchRecord) toModel() models.Match {
	return models.Match{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Title:        r.Title,
		TeamA:        r.TeamA,
		TeamB:        r.TeamB,
		ScoreA:       r.ScoreA,
		ScoreB:       r.ScoreB,
		Stats:        r.Stats,
		Goals:        r.Goals,
		Finished:     r.Finished,
		FinishedAt:   r.FinishedAt,
		Timer:        models.Timer{ElapsedSeconds: r.ElapsedSeconds},
		CreatedAt:    r.CreatedAt,
		AdminKeyHash: r.AdminKeyHash,
	}
}

func matchFromModel(m models.Match) matchRecord {
	return matchRecord{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Title:          m.Title,
		TeamA:          m.TeamA,
		TeamB:          m.TeamB,
		ScoreA:         m.ScoreA,
		ScoreB:         m.ScoreB,
		Stats:          m.Stats,
		Goals:          m.Goals,
		Finished:       m.Finished,
		FinishedAt:     m.FinishedAt,
		ElapsedSeconds: m.Timer.ElapsedSeconds,
		AdminKeyHash:   m.AdminKeyHash,
		CreatedAt:      m.CreatedAt,
	}
}

type sessionRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	MatchIDs  []string `gorm:"serializer:json"`
	CreatedAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

func (r sessionRecord) toModel() models.Session {
	ids := r.MatchIDs
	if ids == nil {
		ids = []string{}
	}
	return models.Session{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt, MatchIDs: ids}
}

// GormStore keeps documents in SQLite through gorm. Changes are announced
// on the bus, which a feed.Relay can carry to other instances.
type GormStore struct {
	db  *gorm.DB
	bus *feed.Bus
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(d *gorm.DB, bus *feed.Bus) (*GormStore, error) {
	if err := dbpkg.AutoMigrate(d, &matchRecord{}, &sessionRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: d, bus: bus}, nil
}

// OpenGorm opens the SQLite file at path.
func OpenGorm(path string, bus *feed.Bus) (*GormStore, error) {
	d, err := dbpkg.Open(path)
	if err != nil {
		return nil, err
	}
	return NewGormStore(d, bus)
}

func (s *GormStore) CreateSession(ctx context.Context, sess models.Session) error {
	rec := sessionRecord{ID: sess.ID, Name: sess.Name, MatchIDs: sess.MatchIDs, CreatedAt: sess.CreatedAt}
	if rec.MatchIDs == nil {
		rec.MatchIDs = []string{}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&sessionRecord{}).Where("id = ?", sess.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		return tx.Create(&rec).Error
	})
}

func (s *GormStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var rec sessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return models.Session{}, notFound(err)
	}
	return rec.toModel(), nil
}

func (s *GormStore) AppendSessionMatch(ctx context.Context, sessionID, matchID string) (models.Session, error) {
	var out models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec sessionRecord
		if err := tx.First(&rec, "id = ?", sessionID).Error; err != nil {
			return notFound(err)
		}
		sess := rec.toModel()
		if !sess.HasMatch(matchID) {
			rec.MatchIDs = append(sess.MatchIDs, matchID)
			if err := tx.Save(&rec).Error; err != nil {
				return err
			}
		}
		out = rec.toModel()
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	s.publish(feed.SessionTopic(sessionID), feed.TypeSession, out)
	return out, nil
}

func (s *GormStore) CreateMatch(ctx context.Context, m models.Match) error {
	rec := matchFromModel(m)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&matchRecord{}).Where("id = ?", m.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return err
	}
	s.publish(feed.MatchTopic(m.ID), feed.TypeMatch, rec.toModel())
	return nil
}

func (s *GormStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	var rec matchRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return models.Match{}, notFound(err)
	}
	return rec.toModel(), nil
}

func (s *GormStore) GetMatches(ctx context.Context, ids []string) ([]models.Match, error) {
	if len(ids) == 0 {
		return []models.Match{}, nil
	}
	var recs []matchRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, err
	}
	found := make(map[string]models.Match, len(recs))
	for _, r := range recs {
		found[r.ID] = r.toModel()
	}
	return orderByIDs(ids, found), nil
}

func (s *GormStore) UpdateMatch(ctx context.Context, id string, ups ...Update) (models.Match, error) {
	var out models.Match
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec matchRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		m := rec.toModel()
		if err := models.ApplyUpdates(&m, ups...); err != nil {
			return err
		}
		next := matchFromModel(m)
		next.UpdatedAt = rec.UpdatedAt
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		out = next.toModel()
		return nil
	})
	if err != nil {
		return models.Match{}, err
	}
	s.publish(feed.MatchTopic(id), feed.TypeMatch, out)
	return out, nil
}

func (s *GormStore) SubscribeMatch(id string, onUpdate func(models.Match), onError func(error)) (Subscription, error) {
	return busSubscribe(s.bus, feed.MatchTopic(id), feed.TypeMatch, onUpdate, onError), nil
}

func (s *GormStore) SubscribeSession(id string, onUpdate func(models.Session), onError func(error)) (Subscription, error) {
	return busSubscribe(s.bus, feed.SessionTopic(id), feed.TypeSession, onUpdate, onError), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) publish(topic, typ string, v any) {
	ev, err := feed.NewEvent(topic, typ, v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("encode change event")
		return
	}
	s.bus.Publish(ev)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("query: %w", err)
}
