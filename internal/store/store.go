// Package store is the remote match store: session and match documents with
// point reads, field-path updates and change subscriptions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Update is a field-path write; see models.ApplyUpdates for accepted paths.
type Update = models.Update

// Subscription is released with Unsubscribe, which is idempotent.
type Subscription interface {
	Unsubscribe()
}

type Store interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	AppendSessionMatch(ctx context.Context, sessionID, matchID string) (models.Session, error)

	CreateMatch(ctx context.Context, m models.Match) error
	GetMatch(ctx context.Context, id string) (models.Match, error)
	// GetMatches keeps the order of ids and skips missing documents.
	GetMatches(ctx context.Context, ids []string) ([]models.Match, error)
	UpdateMatch(ctx context.Context, id string, ups ...Update) (models.Match, error)

	SubscribeMatch(id string, onUpdate func(models.Match), onError func(error)) (Subscription, error)
	SubscribeSession(id string, onUpdate func(models.Session), onError func(error)) (Subscription, error)

	Close() error
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() { s.once.Do(s.fn) }

func newSubscription(fn func()) Subscription { return &funcSubscription{fn: fn} }

// busSubscribe decodes typed events from a bus topic. Backends whose change
// feed lands on the bus share it.
func busSubscribe[T any](bus *feed.Bus, topic, typ string, onUpdate func(T), onError func(error)) Subscription {
	release := bus.Subscribe(topic, func(e feed.Event) {
		if e.Type != typ {
			return
		}
		var v T
		if err := json.Unmarshal(e.Data, &v); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onUpdate(v)
	})
	return newSubscription(release)
}

func orderByIDs(ids []string, found map[string]models.Match) []models.Match {
	out := make([]models.Match, 0, len(ids))
	for _, id := range ids {
		if m, ok := found[id]; ok {
			out = append(out, m)
		}
	}
	return out
}
