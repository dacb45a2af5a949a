// Package ingest accepts live transcript text over WebSocket connections.
package ingest

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the active transcript connection per session. A session
// has at most one microphone feed at a time; a newer connection replaces
// the previous one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// GetActive returns the active connection for a session.
func (r *Registry) GetActive(sessionID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// Register installs the connection as the session's feed, closing any
// previous one.
func (r *Registry) Register(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "feed replaced")
	}
	r.active[sessionID] = conn
	slog.Info("transcript feed registered", "session_id", sessionID)
}

// Unregister removes the connection if it is still the session's current one.
func (r *Registry) Unregister(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[sessionID]; ok && current == conn {
		delete(r.active, sessionID)
		slog.Info("transcript feed unregistered", "session_id", sessionID)
	}
}

// CloseSession forcefully closes the session's feed, if any.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.active[sessionID]
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	delete(r.active, sessionID)
	slog.Info("transcript feed closed", "session_id", sessionID)
}

// Count returns the number of active feeds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
