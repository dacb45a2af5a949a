package domain

import (
	"sync"
)

// TurnRing is a fixed-capacity ring of recent conversation turns.
// Prevents unbounded memory growth in long interviews: once full, the
// oldest turn is overwritten.
type TurnRing struct {
	turns []Turn
	cap   int
	head  int // write position
	count int
	mu    sync.RWMutex
}

// NewTurnRing creates a ring holding at most capacity turns.
// Default capacity is 16, which covers the context window agents consume.
func NewTurnRing(capacity int) *TurnRing {
	if capacity <= 0 {
		capacity = 16
	}
	return &TurnRing{
		turns: make([]Turn, capacity),
		cap:   capacity,
	}
}

// Push appends a turn, overwriting the oldest when full.
func (r *TurnRing) Push(t Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.turns[r.head] = t
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Recent returns up to n most recent turns, oldest first.
func (r *TurnRing) Recent(n int) []Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]Turn, n)
	start := (r.head - n + r.cap*2) % r.cap
	for i := 0; i < n; i++ {
		out[i] = r.turns[(start+i)%r.cap]
	}
	return out
}

// All returns every retained turn, oldest first.
func (r *TurnRing) All() []Turn {
	return r.Recent(r.cap)
}

// Len returns the number of retained turns.
func (r *TurnRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clone returns an independent copy of the ring and its contents.
func (r *TurnRing) Clone() *TurnRing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &TurnRing{
		turns: make([]Turn, r.cap),
		cap:   r.cap,
		head:  r.head,
		count: r.count,
	}
	copy(c.turns, r.turns)
	return c
}

// Capacity returns the maximum number of retained turns.
func (r *TurnRing) Capacity() int {
	return r.cap
}
