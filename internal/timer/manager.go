package timer

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/models"
	"github.com/xaitan80/X-Score/internal/store"
)

// MatchStore is the part of store.Store the manager needs.
type MatchStore interface {
	GetMatch(ctx context.Context, id string) (models.Match, error)
	UpdateMatch(ctx context.Context, id string, ups ...store.Update) (models.Match, error)
}

// StoreRemote pushes elapsed seconds as a timer.elapsedSeconds point update.
type StoreRemote struct {
	Store MatchStore
}

func (r StoreRemote) PushElapsed(ctx context.Context, matchID string, elapsed int) error {
	_, err := r.Store.UpdateMatch(ctx, matchID, store.Update{Path: models.PathElapsed, Value: elapsed})
	return err
}

// Alert is the payload of an alert event.
type Alert struct {
	MatchID string `json:"matchId"`
	Message string `json:"message"`
}

// Manager owns one engine per match in this process.
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	kv     KV
	store  MatchStore
	remote Remote
	bus    *feed.Bus

	group   singleflight.Group
	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

var ErrManagerClosed = errors.New("timer manager closed")

func NewManager(cfg Config, clock clockwork.Clock, kv KV, st MatchStore, bus *feed.Bus) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		kv:      kv,
		store:   st,
		remote:  StoreRemote{Store: st},
		bus:     bus,
		engines: make(map[string]*Engine),
	}
}

// Engine returns the engine for m, creating and restoring it on first use.
// Finished matches get a paused engine and lose any stale snapshot.
// Concurrent first calls for one match share a single restore.
func (mg *Manager) Engine(ctx context.Context, m models.Match) (*Engine, error) {
	if e, ok := mg.Lookup(m.ID); ok {
		return e, nil
	}
	v, err, _ := mg.group.Do(m.ID, func() (any, error) {
		if e, ok := mg.Lookup(m.ID); ok {
			return e, nil
		}
		if mg.isClosed() {
			return nil, ErrManagerClosed
		}
		e := mg.restore(ctx, m)

		mg.mu.Lock()
		defer mg.mu.Unlock()
		if mg.closed {
			e.Close()
			return nil, ErrManagerClosed
		}
		mg.engines[m.ID] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func (mg *Manager) restore(ctx context.Context, m models.Match) *Engine {
	e := NewEngine(m.ID, mg.cfg, mg.clock, mg.kv, mg.remote, Hooks{
		OnChange: mg.publishState,
		OnAlert:  mg.publishAlert,
	})
	if m.Finished {
		e.Halt(ctx)
		e.mu.Lock()
		e.current = m.Timer.ElapsedSeconds
		e.mu.Unlock()
		return e
	}
	if err := e.Restore(ctx, m.Timer.ElapsedSeconds); err != nil {
		log.Warn().Err(err).Str("match_id", m.ID).Msg("timer restore failed, using stored value")
		e.mu.Lock()
		if m.Timer.ElapsedSeconds > e.current {
			e.current = m.Timer.ElapsedSeconds
		}
		e.mu.Unlock()
	}
	return e
}

func (mg *Manager) isClosed() bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.closed
}

// Lookup returns an existing engine without creating one.
func (mg *Manager) Lookup(matchID string) (*Engine, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	e, ok := mg.engines[matchID]
	return e, ok
}

// Overlay replaces the stored timer of m with the local engine's clock.
// Stored timer values are ignored once this process owns the clock.
func (mg *Manager) Overlay(m *models.Match) {
	e, ok := mg.Lookup(m.ID)
	if !ok {
		m.Timer.Running = false
		return
	}
	st := e.State()
	if st.Running || st.ElapsedSeconds >= m.Timer.ElapsedSeconds {
		m.Timer.ElapsedSeconds = st.ElapsedSeconds
	}
	m.Timer.Running = st.Running
}

// RestoreAll resumes every running snapshot left by a previous process. It
// clears snapshots of finished or deleted matches, and paused ones whose
// elapsed time the store already holds. Other paused snapshots are left for
// Engine to pick up on first use.
func (mg *Manager) RestoreAll(ctx context.Context) (int, error) {
	ids, err := snapshotIDs(ctx, mg.kv)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		m, err := mg.store.GetMatch(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			_ = mg.kv.Delete(ctx, SnapshotKey(id))
			continue
		case err != nil:
			log.Warn().Err(err).Str("match_id", id).Msg("restore: load match")
			continue
		case m.Finished:
			_ = mg.kv.Delete(ctx, SnapshotKey(id))
			continue
		}
		snap, ok, err := loadSnapshot(ctx, mg.kv, id)
		if err != nil {
			log.Warn().Err(err).Str("match_id", id).Msg("restore: load snapshot")
			continue
		}
		if !ok {
			continue
		}
		if !snap.Running {
			if m.Timer.ElapsedSeconds >= snap.ElapsedSeconds {
				_ = mg.kv.Delete(ctx, SnapshotKey(id))
			}
			continue
		}
		e, err := mg.Engine(ctx, m)
		if err != nil {
			return resumed, err
		}
		if e.Running() {
			resumed++
		}
	}
	return resumed, nil
}

// Close stops every engine; running ones leave a snapshot behind.
func (mg *Manager) Close() {
	mg.mu.Lock()
	mg.closed = true
	engines := make([]*Engine, 0, len(mg.engines))
	for _, e := range mg.engines {
		engines = append(engines, e)
	}
	mg.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Close()
		}(e)
	}
	wg.Wait()
}

func (mg *Manager) publishState(st State) {
	if mg.bus == nil {
		return
	}
	ev, err := feed.NewEvent(feed.TimerTopic(st.MatchID), feed.TypeTimer, st)
	if err != nil {
		return
	}
	mg.bus.Publish(ev)
}

func (mg *Manager) publishAlert(matchID string, cause error) {
	if mg.bus == nil {
		return
	}
	ev, err := feed.NewEvent(feed.TimerTopic(matchID), feed.TypeAlert, Alert{MatchID: matchID, Message: cause.Error()})
	if err != nil {
		return
	}
	mg.bus.Publish(ev)
}
