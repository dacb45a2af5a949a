// Package domain contains core domain types for the certflow service.
package domain

import (
	"time"
)

// Session represents one certification interview conversation.
// The persistent record lives in the session store; the in-memory
// analysis state for the same id lives in the orchestrator's context store.
type Session struct {
	ID            string     `json:"id"`
	ProcedureText string     `json:"procedure_text"`
	Topics        []Topic    `json:"topics"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActiveAt  time.Time  `json:"last_active_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	OutcomeJSON   *string    `json:"outcome_json,omitempty"`
}

// IsClosed reports whether the session has been explicitly torn down.
func (s *Session) IsClosed() bool {
	return s.ClosedAt != nil
}

// IdleFor returns how long the session has been without client activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	d := now.Sub(s.LastActiveAt)
	if d < 0 {
		return 0
	}
	return d
}

// Turn roles.
const (
	RoleTrainee     = "trainee"
	RoleInterviewer = "interviewer"
)

// Turn is one utterance retained for agent context.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
