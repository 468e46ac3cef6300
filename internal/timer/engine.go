// Package timer runs the match clock: a local optimistic clock that is pushed
// to the match store periodically, snapshotted locally for restart survival,
// and reconciled with the stored value on restore.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the three task periods.
type Config struct {
	Tick       time.Duration
	RemoteSync time.Duration
	Snapshot   time.Duration
	// PushTimeout bounds each background remote push and snapshot write.
	PushTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:        100 * time.Millisecond,
		RemoteSync:  15 * time.Second,
		Snapshot:    5 * time.Second,
		PushTimeout: 10 * time.Second,
	}
}

// Remote receives the elapsed value of a match.
type Remote interface {
	PushElapsed(ctx context.Context, matchID string, elapsed int) error
}

// State is the engine's view of the clock.
type State struct {
	MatchID        string `json:"matchId"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	Running        bool   `json:"running"`
}

// Hooks are called outside the engine lock and must not block.
type Hooks struct {
	// OnChange fires on start, pause and every whole-second change.
	OnChange func(State)
	// OnAlert fires when a background push or snapshot fails.
	OnAlert func(matchID string, err error)
}

type Engine struct {
	id     string
	cfg    Config
	clock  clockwork.Clock
	kv     KV
	remote Remote
	hooks  Hooks

	mu         sync.Mutex
	running    bool
	base       int
	clockStart time.Time
	current    int
	tasks      []*task
	closed     bool
}

func NewEngine(matchID string, cfg Config, clock clockwork.Clock, kv KV, remote Remote, hooks Hooks) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultConfig().PushTimeout
	}
	return &Engine{id: matchID, cfg: cfg, clock: clock, kv: kv, remote: remote, hooks: hooks}
}

func (e *Engine) MatchID() string { return e.id }

// Restore adopts max(local snapshot adjusted for the gap, remoteElapsed) and
// resumes running when the snapshot was taken while running.
func (e *Engine) Restore(ctx context.Context, remoteElapsed int) error {
	snap, ok, err := loadSnapshot(ctx, e.kv, e.id)
	if err != nil {
		return err
	}
	elapsed := remoteElapsed
	if ok {
		if r := snap.restored(e.clock.Now()); r > elapsed {
			elapsed = r
		}
	}
	if elapsed < 0 {
		elapsed = 0
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if elapsed > e.current {
		e.current = elapsed
	}
	e.mu.Unlock()

	if ok && snap.Running {
		log.Info().Str("match_id", e.id).Int("elapsed", elapsed).Msg("timer resumed from snapshot")
		e.Start()
	}
	return nil
}

// Start moves Paused → Running. It is a no-op while running or closed.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running || e.closed {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	e.running = true
	e.base = e.current
	e.clockStart = now.Add(-time.Duration(e.current) * time.Second)
	e.tasks = []*task{
		startTask(e.clock, e.cfg.Tick, e.tick),
		startTask(e.clock, e.cfg.RemoteSync, e.sync),
		startTask(e.clock, e.cfg.Snapshot, e.snapshot),
	}
	st := e.stateLocked()
	e.mu.Unlock()

	e.emit(st)
	e.snapshot()
}

// Pause moves Running → Paused, freezes elapsed and pushes it to the store.
// The push error is returned but local state is kept either way.
func (e *Engine) Pause(ctx context.Context) (int, error) {
	elapsed, stopped := e.stop()
	if !stopped {
		return elapsed, nil
	}
	e.emit(State{MatchID: e.id, ElapsedSeconds: elapsed})

	if err := saveSnapshot(ctx, e.kv, e.id, Snapshot{ElapsedSeconds: elapsed, SavedAt: e.clock.Now()}); err != nil {
		e.alert(fmt.Errorf("snapshot: %w", err))
	}
	if err := e.remote.PushElapsed(ctx, e.id, elapsed); err != nil {
		e.alert(fmt.Errorf("push elapsed: %w", err))
		return elapsed, err
	}
	return elapsed, nil
}

// Halt forces Paused without a remote push and clears the local snapshot.
// Finish writes the returned value together with the finished flag.
func (e *Engine) Halt(ctx context.Context) int {
	elapsed, stopped := e.stop()
	if stopped {
		e.emit(State{MatchID: e.id, ElapsedSeconds: elapsed})
	}
	if err := e.kv.Delete(ctx, SnapshotKey(e.id)); err != nil {
		log.Warn().Err(err).Str("match_id", e.id).Msg("clear timer snapshot")
	}
	return elapsed
}

// Close stops the tasks. A running clock leaves a running snapshot behind so
// a restarted process resumes it.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	elapsed, stopped := e.stop()
	if !stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
	defer cancel()
	snap := Snapshot{Running: true, ElapsedSeconds: elapsed, SavedAt: e.clock.Now()}
	if err := saveSnapshot(ctx, e.kv, e.id, snap); err != nil {
		log.Error().Err(err).Str("match_id", e.id).Msg("final timer snapshot failed")
	}
}

// Elapsed is the current elapsed seconds; never decreases while running.
func (e *Engine) Elapsed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.advanceLocked()
	}
	return e.current
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.advanceLocked()
	}
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	return State{MatchID: e.id, ElapsedSeconds: e.current, Running: e.running}
}

// advanceLocked recomputes current from the wall clock. Returns true when the
// whole-second value changed.
func (e *Engine) advanceLocked() bool {
	v := int(e.clock.Since(e.clockStart) / time.Second)
	if v <= e.current {
		return false
	}
	e.current = v
	return true
}

// stop halts the tasks and freezes the clock. stopped is false when the
// engine was not running.
func (e *Engine) stop() (elapsed int, stopped bool) {
	e.mu.Lock()
	if !e.running {
		v := e.current
		e.mu.Unlock()
		return v, false
	}
	e.advanceLocked()
	e.running = false
	tasks := e.tasks
	e.tasks = nil
	elapsed = e.current
	e.mu.Unlock()

	// tasks take the lock themselves, so they are stopped unlocked
	for _, t := range tasks {
		t.Stop()
	}
	return elapsed, true
}

func (e *Engine) tick() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	changed := e.advanceLocked()
	st := e.stateLocked()
	e.mu.Unlock()
	if changed {
		e.emit(st)
	}
}

func (e *Engine) sync() {
	st := e.State()
	if !st.Running {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
	defer cancel()
	if err := e.remote.PushElapsed(ctx, e.id, st.ElapsedSeconds); err != nil {
		e.alert(fmt.Errorf("push elapsed: %w", err))
		return
	}
	log.Debug().Str("match_id", e.id).Int("elapsed", st.ElapsedSeconds).Msg("timer synced")
}

func (e *Engine) snapshot() {
	st := e.State()
	if !st.Running {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
	defer cancel()
	snap := Snapshot{Running: true, ElapsedSeconds: st.ElapsedSeconds, SavedAt: e.clock.Now()}
	if err := saveSnapshot(ctx, e.kv, e.id, snap); err != nil {
		e.alert(fmt.Errorf("snapshot: %w", err))
	}
}

func (e *Engine) emit(st State) {
	if e.hooks.OnChange != nil {
		e.hooks.OnChange(st)
	}
}

func (e *Engine) alert(err error) {
	log.Warn().Err(err).Str("match_id", e.id).Msg("timer background write failed")
	if e.hooks.OnAlert != nil {
		e.hooks.OnAlert(e.id, err)
	}
}

// task runs fn every period until stopped.
type task struct {
	ticker clockwork.Ticker
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func startTask(clock clockwork.Clock, period time.Duration, fn func()) *task {
	t := &task{
		ticker: clock.NewTicker(period),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer t.ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-t.ticker.Chan():
				fn()
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for an in-flight run to finish.
func (t *task) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
