package models

import (
	"fmt"
	"strings"
	"time"
)

// Field paths accepted by ApplyUpdates.
const (
	PathTitle      = "title"
	PathTeamA      = "teamA"
	PathTeamB      = "teamB"
	PathScoreA     = "scoreA"
	PathScoreB     = "scoreB"
	PathStats      = "stats"
	PathGoals      = "goals"
	PathFinished   = "finished"
	PathFinishedAt = "finishedAt"
	PathElapsed    = "timer.elapsedSeconds"

	statsPrefix = "stats."
)

// Update sets one field of a match document, addressed by dotted path.
type Update struct {
	Path  string
	Value any
}

// StatPath is the update path of a single counter.
func StatPath(t Team, s StatType) string {
	return statsPrefix + StatKey(t, s)
}

// ApplyUpdates applies ups to m in order. m is left untouched on error.
func ApplyUpdates(m *Match, ups ...Update) error {
	next := m.Clone()
	for _, u := range ups {
		if err := apply(&next, u); err != nil {
			return fmt.Errorf("update %s: %w", u.Path, err)
		}
	}
	*m = next
	return nil
}

func apply(m *Match, u Update) error {
	switch {
	case u.Path == PathTitle:
		return setString(&m.Title, u.Value)
	case u.Path == PathTeamA:
		return setString(&m.TeamA, u.Value)
	case u.Path == PathTeamB:
		return setString(&m.TeamB, u.Value)
	case u.Path == PathScoreA:
		return setCount(&m.ScoreA, u.Value)
	case u.Path == PathScoreB:
		return setCount(&m.ScoreB, u.Value)
	case u.Path == PathElapsed:
		return setCount(&m.Timer.ElapsedSeconds, u.Value)
	case u.Path == PathFinished:
		b, ok := u.Value.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", u.Value)
		}
		m.Finished = b
		return nil
	case u.Path == PathFinishedAt:
		switch v := u.Value.(type) {
		case nil:
			m.FinishedAt = nil
		case time.Time:
			m.FinishedAt = &v
		case *time.Time:
			m.FinishedAt = v
		default:
			return fmt.Errorf("want time, got %T", u.Value)
		}
		return nil
	case u.Path == PathGoals:
		g, ok := u.Value.([]Goal)
		if !ok {
			return fmt.Errorf("want []Goal, got %T", u.Value)
		}
		m.Goals = append([]Goal(nil), g...)
		return nil
	case u.Path == PathStats:
		var src map[string]int
		switch v := u.Value.(type) {
		case Stats:
			src = v
		case map[string]int:
			src = v
		default:
			return fmt.Errorf("want stats map, got %T", u.Value)
		}
		m.Stats = make(Stats, len(src))
		for k, n := range src {
			if n < 0 {
				return fmt.Errorf("negative count for %s", k)
			}
			m.Stats[k] = n
		}
		return nil
	case strings.HasPrefix(u.Path, statsPrefix):
		key := strings.TrimPrefix(u.Path, statsPrefix)
		if key == "" {
			return fmt.Errorf("empty stat key")
		}
		var n int
		if err := setCount(&n, u.Value); err != nil {
			return err
		}
		if m.Stats == nil {
			m.Stats = Stats{}
		}
		m.Stats[key] = n
		return nil
	}
	return fmt.Errorf("unknown field path")
}

func setString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("want string, got %T", v)
	}
	*dst = s
	return nil
}

func setCount(dst *int, v any) error {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		n = int(x)
	default:
		return fmt.Errorf("want integer, got %T", v)
	}
	if n < 0 {
		return fmt.Errorf("negative value %d", n)
	}
	*dst = n
	return nil
}
