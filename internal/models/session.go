package models

import (
	"fmt"
	"time"
)

type Session struct {
	ID        string    `json:"sessionId" firestore:"sessionId"`
	Name      string    `json:"name" firestore:"name"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	MatchIDs  []string  `json:"matchIds" firestore:"matchIds"`
}

// DefaultSessionName is the name given to sessions created without one.
func DefaultSessionName(now time.Time) string {
	return fmt.Sprintf("Session (%s)", now.Format("2006-01-02"))
}

// HasMatch reports whether id is already listed.
func (s Session) HasMatch(id string) bool {
	for _, m := range s.MatchIDs {
		if m == id {
			return true
		}
	}
	return false
}
