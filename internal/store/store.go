// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/abalyn/certflow/internal/domain"
)

// ErrSessionNotFound is returned when an operation references an unknown
// session id. Queries never create a session as a side effect.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for persisting interview sessions.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateLastActive updates the last_active_at timestamp for a session.
	UpdateLastActive(ctx context.Context, sessionID string, lastActive time.Time) error

	// GetExpiredSessions retrieves open sessions idle beyond the TTL.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// CloseSession marks a session closed and stores its finalized outcome.
	// The outcome is the context summary written when the session tears down.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time, outcomeJSON string) error

	// DeleteSession removes a session record entirely.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
