package matches

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/auth"
	"github.com/xaitan80/X-Score/internal/models"
	"github.com/xaitan80/X-Score/internal/store"
	"github.com/xaitan80/X-Score/internal/timer"
)

// Draft is the user input for a new match.
type Draft struct {
	Title string `json:"title"`
	TeamA string `json:"teamA"`
	TeamB string `json:"teamB"`
}

func (d Draft) normalized() Draft {
	return Draft{
		Title: strings.TrimSpace(d.Title),
		TeamA: strings.TrimSpace(d.TeamA),
		TeamB: strings.TrimSpace(d.TeamB),
	}
}

func (d Draft) validate() error {
	if d.Title == "" || d.TeamA == "" || d.TeamB == "" {
		return apperr.Validation("missing_field", "title, teamA and teamB are required")
	}
	return nil
}

// Created is returned once per new match; AdminKey is never shown again.
type Created struct {
	Match    models.Match `json:"match"`
	AdminKey string       `json:"adminKey"`
}

// Grant is a signed credential for one match.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service implements the match mutators. Every mutator checks the admin
// credential, then the finished policy, then issues one store update.
type Service struct {
	store  store.Store
	timers *timer.Manager
	authz  *auth.Authorizer
	clock  clockwork.Clock
}

func NewService(st store.Store, timers *timer.Manager, authz *auth.Authorizer, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: st, timers: timers, authz: authz, clock: clock}
}

// Create stores a new match, optionally owned by sessionID.
func (s *Service) Create(ctx context.Context, sessionID string, d Draft) (Created, error) {
	d = d.normalized()
	if err := d.validate(); err != nil {
		return Created{}, err
	}
	key, err := auth.NewToken()
	if err != nil {
		return Created{}, apperr.Internal("key_failed", "could not create admin key", err)
	}
	hash, err := s.authz.HashKey(key)
	if err != nil {
		return Created{}, apperr.Internal("key_failed", "could not create admin key", err)
	}
	m := models.Match{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Title:        d.Title,
		TeamA:        d.TeamA,
		TeamB:        d.TeamB,
		Stats:        models.NewStats(),
		Goals:        []models.Goal{},
		CreatedAt:    s.clock.Now().UTC(),
		AdminKeyHash: hash,
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return Created{}, apperr.WriteFailure("store_write_failed", "could not create match", err)
	}
	log.Info().Str("match_id", m.ID).Str("session_id", sessionID).Msg("match created")
	return Created{Match: s.View(m), AdminKey: key}, nil
}

// Get returns the match view with the local clock overlaid.
func (s *Service) Get(ctx context.Context, id string) (models.Match, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return models.Match{}, err
	}
	return s.View(m), nil
}

// List returns views of ids in order, skipping missing matches.
func (s *Service) List(ctx context.Context, ids []string) ([]models.Match, error) {
	list, err := s.store.GetMatches(ctx, ids)
	if err != nil {
		return nil, apperr.Internal("store_read_failed", "could not load matches", err)
	}
	for i := range list {
		list[i] = s.View(list[i])
	}
	return list, nil
}

// View copies m and overlays the running clock.
func (s *Service) View(m models.Match) models.Match {
	out := m.Clone()
	if s.timers != nil {
		s.timers.Overlay(&out)
	}
	return out
}

func (s *Service) AdjustScore(ctx context.Context, id, cred, team string, delta int) (models.Match, error) {
	t, err := models.ParseTeam(team)
	if err != nil {
		return models.Match{}, apperr.Validation("invalid_team", err.Error())
	}
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	return s.update(ctx, id, store.Update{Path: models.ScorePath(t), Value: clamp(m.Score(t) + delta)})
}

func (s *Service) AdjustStat(ctx context.Context, id, cred, team, stat string, delta int) (models.Match, error) {
	t, err := models.ParseTeam(team)
	if err != nil {
		return models.Match{}, apperr.Validation("invalid_team", err.Error())
	}
	st, err := models.ParseStatType(stat)
	if err != nil {
		return models.Match{}, apperr.Validation("invalid_stat", err.Error())
	}
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	return s.update(ctx, id, store.Update{Path: models.StatPath(t, st), Value: clamp(m.Stat(t, st) + delta)})
}

// RecordGoal appends a goal stamped with the current clock and bumps the
// scorer's team score in the same update.
func (s *Service) RecordGoal(ctx context.Context, id, cred, team, scorer, assist string) (models.Match, error) {
	t, err := models.ParseTeam(team)
	if err != nil {
		return models.Match{}, apperr.Validation("invalid_team", err.Error())
	}
	scorer = strings.TrimSpace(scorer)
	if scorer == "" {
		return models.Match{}, apperr.Validation("missing_scorer", "scorer is required")
	}
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	view := s.View(m)
	goal := models.Goal{
		Time:   models.FormatTime(view.Timer.ElapsedSeconds),
		Team:   t,
		Scorer: scorer,
		Assist: strings.TrimSpace(assist),
	}
	goals := append(append([]models.Goal(nil), m.Goals...), goal)
	return s.update(ctx, id,
		store.Update{Path: models.PathGoals, Value: goals},
		store.Update{Path: models.ScorePath(t), Value: m.Score(t) + 1},
	)
}

// RemoveGoal deletes the goal at index and recounts both scores from the
// remaining log.
func (s *Service) RemoveGoal(ctx context.Context, id, cred string, index int) (models.Match, error) {
	if index < 0 {
		return models.Match{}, apperr.Validation("invalid_index", "goal index out of range")
	}
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	if index >= len(m.Goals) {
		return models.Match{}, apperr.Validation("invalid_index", "goal index out of range")
	}
	goals := make([]models.Goal, 0, len(m.Goals)-1)
	goals = append(goals, m.Goals[:index]...)
	goals = append(goals, m.Goals[index+1:]...)
	a, b := models.RecountScores(goals)
	return s.update(ctx, id,
		store.Update{Path: models.PathGoals, Value: goals},
		store.Update{Path: models.PathScoreA, Value: a},
		store.Update{Path: models.PathScoreB, Value: b},
	)
}

func (s *Service) StartTimer(ctx context.Context, id, cred string) (models.Match, error) {
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	e, err := s.timers.Engine(ctx, m)
	if err != nil {
		return models.Match{}, apperr.Internal("timer_unavailable", "timer unavailable", err)
	}
	e.Start()
	log.Info().Str("match_id", id).Int("elapsed", e.Elapsed()).Msg("timer started")
	return s.View(m), nil
}

// PauseTimer freezes the clock. A failed store push is reported as a warning
// while the local value is kept.
func (s *Service) PauseTimer(ctx context.Context, id, cred string) (models.Match, string, error) {
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, "", err
	}
	e, err := s.timers.Engine(ctx, m)
	if err != nil {
		return models.Match{}, "", apperr.Internal("timer_unavailable", "timer unavailable", err)
	}
	elapsed, pushErr := e.Pause(ctx)
	log.Info().Str("match_id", id).Int("elapsed", elapsed).Msg("timer paused")
	if pushErr != nil {
		return s.View(m), "timer paused locally; saving elapsed time failed", nil
	}
	if fresh, err := s.store.GetMatch(ctx, id); err == nil {
		m = fresh
	}
	return s.View(m), "", nil
}

// Finish stops the clock and writes the final elapsed time together with
// the finished flag. confirm must be true.
func (s *Service) Finish(ctx context.Context, id, cred string, confirm bool) (models.Match, error) {
	if !confirm {
		return models.Match{}, apperr.Validation("confirmation_required", "finishing a match must be confirmed")
	}
	m, err := s.editable(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	elapsed := m.Timer.ElapsedSeconds
	if e, err := s.timers.Engine(ctx, m); err == nil {
		elapsed = e.Halt(ctx)
	}
	now := s.clock.Now().UTC()
	out, err := s.update(ctx, id,
		store.Update{Path: models.PathFinished, Value: true},
		store.Update{Path: models.PathFinishedAt, Value: now},
		store.Update{Path: models.PathElapsed, Value: elapsed},
	)
	if err == nil {
		log.Info().Str("match_id", id).Int("elapsed", elapsed).Msg("match finished")
	}
	return out, err
}

// Restart clears the finished flag; elapsed time, score and goals are kept.
func (s *Service) Restart(ctx context.Context, id, cred string) (models.Match, error) {
	m, err := s.admin(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	if !m.Finished {
		return models.Match{}, apperr.Conflict("not_finished", "match is not finished")
	}
	return s.update(ctx, id,
		store.Update{Path: models.PathFinished, Value: false},
		store.Update{Path: models.PathFinishedAt, Value: nil},
	)
}

// Grant signs a credential other devices can use to administer the match.
func (s *Service) Grant(ctx context.Context, id, cred string) (Grant, error) {
	if _, err := s.admin(ctx, id, cred); err != nil {
		return Grant{}, err
	}
	tok, exp, err := s.authz.Issuer().Issue(id)
	if err != nil {
		return Grant{}, apperr.Internal("grant_failed", "could not sign grant", err)
	}
	return Grant{Token: tok, ExpiresAt: exp}, nil
}

func (s *Service) load(ctx context.Context, id string) (models.Match, error) {
	m, err := s.store.GetMatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Match{}, apperr.NotFound("match_not_found", "match not found")
	}
	if err != nil {
		return models.Match{}, apperr.Internal("store_read_failed", "could not load match", err)
	}
	return m, nil
}

func (s *Service) admin(ctx context.Context, id, cred string) (models.Match, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return models.Match{}, err
	}
	if err := s.authz.Authorize(m, cred); err != nil {
		return models.Match{}, err
	}
	return m, nil
}

// editable is admin plus the finished policy: a finished match accepts no
// edits until it is restarted.
func (s *Service) editable(ctx context.Context, id, cred string) (models.Match, error) {
	m, err := s.admin(ctx, id, cred)
	if err != nil {
		return models.Match{}, err
	}
	if m.Finished {
		return models.Match{}, apperr.Conflict("match_finished", "match is finished; restart it to edit")
	}
	return m, nil
}

func (s *Service) update(ctx context.Context, id string, ups ...store.Update) (models.Match, error) {
	m, err := s.store.UpdateMatch(ctx, id, ups...)
	if errors.Is(err, store.ErrNotFound) {
		return models.Match{}, apperr.NotFound("match_not_found", "match not found")
	}
	if err != nil {
		return models.Match{}, apperr.WriteFailure("store_write_failed", "could not save match", err)
	}
	return s.View(m), nil
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
