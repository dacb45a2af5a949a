package orchestrator

import (
	"sync"

	"github.com/abalyn/certflow/internal/domain"
)

// ContextStore keys SharedContext values by session id. The map itself is
// guarded, but per-entry mutation is not: the orchestrator's per-session
// worker is the single writer, and Replace swaps whole values so readers
// never observe a half-merged context.
type ContextStore struct {
	mu       sync.RWMutex
	sessions map[string]*SharedContext
}

func NewContextStore() *ContextStore {
	return &ContextStore{sessions: make(map[string]*SharedContext)}
}

// Create installs a fresh context for the session. An existing entry is
// overwritten; callers create once per session lifecycle.
func (s *ContextStore) Create(sessionID string, topics []domain.Topic, ringCap int) *SharedContext {
	ctx := NewSharedContext(topics, ringCap)
	s.mu.Lock()
	s.sessions[sessionID] = ctx
	s.mu.Unlock()
	return ctx.Clone()
}

// Get returns a deep copy of the session's context.
func (s *ContextStore) Get(sessionID string) (*SharedContext, bool) {
	s.mu.RLock()
	ctx, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctx.Clone(), true
}

// Replace swaps in a new whole value for the session. Returns false when
// the session is gone, which makes post-teardown merges a no-op.
func (s *ContextStore) Replace(sessionID string, ctx *SharedContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	s.sessions[sessionID] = ctx
	return true
}

// Delete drops the session's context.
func (s *ContextStore) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Len reports how many sessions currently hold a context.
func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
