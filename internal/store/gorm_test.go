package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/models"
)

func newTestStore(t *testing.T) (*GormStore, *feed.Bus) {
	t.Helper()
	bus := feed.NewBus()
	s, err := OpenGorm(filepath.Join(t.TempDir(), "store.db"), bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, bus
}

func testMatch(id string) models.Match {
	return models.Match{
		ID:        id,
		Title:     "Final",
		TeamA:     "ESP",
		TeamB:     "Rivals",
		Stats:     models.NewStats(),
		Goals:     []models.Goal{},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestGormStore_CreateGetMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := testMatch("m1")
	m.AdminKeyHash = "hash"
	if err := s.CreateMatch(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateMatch(ctx, m); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := s.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Final" || got.TeamA != "ESP" || got.AdminKeyHash != "hash" {
		t.Fatalf("unexpected match %+v", got)
	}
	if got.Stat(models.TeamA, models.StatShoot) != 0 || len(got.Stats) != 4 {
		t.Fatalf("stats not stored: %v", got.Stats)
	}

	if _, err := s.GetMatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGormStore_UpdateMatchPublishes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateMatch(ctx, testMatch("m1")); err != nil {
		t.Fatal(err)
	}

	var seen []models.Match
	sub, err := s.SubscribeMatch("m1", func(m models.Match) { seen = append(seen, m) }, nil)
	if err != nil {
		t.Fatal(err)
	}

	goals := []models.Goal{{Time: "0:42", Team: models.TeamA, Scorer: "Player 1"}}
	got, err := s.UpdateMatch(ctx, "m1",
		Update{Path: models.PathGoals, Value: goals},
		Update{Path: models.PathScoreA, Value: 1},
		Update{Path: models.StatPath(models.TeamB, models.StatCornerKick), Value: 2},
	)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.ScoreA != 1 || len(got.Goals) != 1 || got.Stat(models.TeamB, models.StatCornerKick) != 2 {
		t.Fatalf("unexpected result %+v", got)
	}
	if len(seen) != 1 || seen[0].ScoreA != 1 || seen[0].Goals[0].Time != "0:42" {
		t.Fatalf("subscriber saw %+v", seen)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	if _, err := s.UpdateMatch(ctx, "m1", Update{Path: models.PathScoreB, Value: 1}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", len(seen))
	}
}

func TestGormStore_UpdateRejectedLeavesDocument(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateMatch(ctx, testMatch("m1")); err != nil {
		t.Fatal(err)
	}
	_, err := s.UpdateMatch(ctx, "m1",
		Update{Path: models.PathScoreA, Value: 3},
		Update{Path: models.PathScoreB, Value: -1},
	)
	if err == nil {
		t.Fatalf("expected negative score to be rejected")
	}
	got, _ := s.GetMatch(ctx, "m1")
	if got.ScoreA != 0 {
		t.Fatalf("partial update persisted: scoreA=%d", got.ScoreA)
	}
	if _, err := s.UpdateMatch(ctx, "ghost", Update{Path: models.PathScoreA, Value: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGormStore_Sessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := models.Session{ID: "s1", Name: "Cup", CreatedAt: time.Now().UTC()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(ctx, sess); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	var events int
	sub, _ := s.SubscribeSession("s1", func(models.Session) { events++ }, nil)
	defer sub.Unsubscribe()

	for _, id := range []string{"m2", "m1", "m2"} {
		if _, err := s.AppendSessionMatch(ctx, "s1", id); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.MatchIDs) != 2 || got.MatchIDs[0] != "m2" || got.MatchIDs[1] != "m1" {
		t.Fatalf("matchIds = %v", got.MatchIDs)
	}
	if events != 3 {
		t.Fatalf("expected 3 session events, got %d", events)
	}
	if _, err := s.AppendSessionMatch(ctx, "ghost", "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGormStore_GetMatchesKeepsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateMatch(ctx, testMatch(id)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetMatches(ctx, []string{"c", "missing", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected order %v", got)
	}
}
