package models

import (
	"fmt"
	"strings"
	"time"
)

// Team identifies one side of a match.
type Team string

const (
	TeamA Team = "A"
	TeamB Team = "B"
)

// ParseTeam accepts "A"/"B" in any case.
func ParseTeam(s string) (Team, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return TeamA, nil
	case "B":
		return TeamB, nil
	}
	return "", fmt.Errorf("unknown team %q", s)
}

// StatType is a per-team counter kind.
type StatType string

const (
	StatShoot      StatType = "shoot"
	StatCornerKick StatType = "ck"
)

// ParseStatType accepts the stored names plus the long "cornerKick" alias.
func ParseStatType(s string) (StatType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shoot", "shot", "shots":
		return StatShoot, nil
	case "ck", "cornerkick", "corner_kick", "corner":
		return StatCornerKick, nil
	}
	return "", fmt.Errorf("unknown stat %q", s)
}

// StatKey is the key used inside Match.Stats, e.g. "teamA_shoot".
func StatKey(team Team, stat StatType) string {
	return "team" + string(team) + "_" + string(stat)
}

// Stats maps StatKey → count.
type Stats map[string]int

// NewStats returns the zeroed counters every new match starts with.
func NewStats() Stats {
	s := Stats{}
	for _, t := range []Team{TeamA, TeamB} {
		for _, k := range []StatType{StatShoot, StatCornerKick} {
			s[StatKey(t, k)] = 0
		}
	}
	return s
}

// Goal is one entry of the chronological goal log.
type Goal struct {
	Time   string `json:"time" firestore:"time"`
	Team   Team   `json:"team" firestore:"team"`
	Scorer string `json:"scorer" firestore:"scorer"`
	Assist string `json:"assist,omitempty" firestore:"assist,omitempty"`
}

// Timer is a snapshot of the match clock. Running is never persisted; it is
// filled in on outgoing views while an engine is running.
type Timer struct {
	ElapsedSeconds int  `json:"elapsedSeconds" firestore:"elapsedSeconds"`
	Running        bool `json:"running,omitempty" firestore:"-"`
}

type Match struct {
	ID           string     `json:"matchId" firestore:"matchId"`
	SessionID    string     `json:"sessionId,omitempty" firestore:"sessionId,omitempty"`
	Title        string     `json:"title" firestore:"title"`
	TeamA        string     `json:"teamA" firestore:"teamA"`
	TeamB        string     `json:"teamB" firestore:"teamB"`
	ScoreA       int        `json:"scoreA" firestore:"scoreA"`
	ScoreB       int        `json:"scoreB" firestore:"scoreB"`
	Stats        Stats      `json:"stats" firestore:"stats"`
	Goals        []Goal     `json:"goals" firestore:"goals"`
	Finished     bool       `json:"finished" firestore:"finished"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty" firestore:"finishedAt,omitempty"`
	Timer        Timer      `json:"timer" firestore:"timer"`
	CreatedAt    time.Time  `json:"createdAt" firestore:"createdAt"`
	AdminKeyHash string     `json:"-" firestore:"adminKeyHash"`
}

// Score returns the score of one team.
func (m Match) Score(t Team) int {
	if t == TeamB {
		return m.ScoreB
	}
	return m.ScoreA
}

// TeamName returns the display name of one team.
func (m Match) TeamName(t Team) string {
	if t == TeamB {
		return m.TeamB
	}
	return m.TeamA
}

// Stat returns a counter, zero when absent.
func (m Match) Stat(t Team, s StatType) int {
	return m.Stats[StatKey(t, s)]
}

// Clone deep-copies the mutable parts so callers may overlay views safely.
func (m Match) Clone() Match {
	out := m
	if m.Stats != nil {
		out.Stats = make(Stats, len(m.Stats))
		for k, v := range m.Stats {
			out.Stats[k] = v
		}
	}
	if m.Goals != nil {
		out.Goals = append([]Goal(nil), m.Goals...)
	}
	if m.FinishedAt != nil {
		t := *m.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// ScorePath is the update path of a team's score.
func ScorePath(t Team) string {
	if t == TeamB {
		return PathScoreB
	}
	return PathScoreA
}

// RecountScores derives both scores from the goal log.
func RecountScores(goals []Goal) (a, b int) {
	for _, g := range goals {
		switch g.Team {
		case TeamA:
			a++
		case TeamB:
			b++
		}
	}
	return a, b
}

// FormatTime renders seconds as M:SS.
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
