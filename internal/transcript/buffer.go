// Package transcript accumulates speech fragments into analysis-ready chunks.
package transcript

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrEmptyFragment is returned when a submitted fragment is empty after
// trimming. The buffer state is left unchanged.
var ErrEmptyFragment = errors.New("empty transcript fragment")

// Chunk is a complete, ready-for-analysis unit of transcript text assembled
// from one or more fragments. Immutable once emitted.
type Chunk struct {
	SessionID     string
	Seq           int // strictly increasing per session, in arrival order
	Text          string
	FragmentTimes []time.Time
	Complete      bool
}

// Stats describes the pending (unflushed) state of one session's buffer.
type Stats struct {
	PendingFragments int           `json:"pending_fragments"`
	PendingWords     int           `json:"pending_words"`
	OldestAge        time.Duration `json:"oldest_age"`
	Ready            bool          `json:"ready"`
	ChunksEmitted    int           `json:"chunks_emitted"`
}

type pending struct {
	text    strings.Builder
	times   []time.Time
	seq     int // next chunk sequence number
	emitted int
}

// Buffer accumulates raw transcript fragments per session and decides when
// enough text has accumulated to constitute a processing-worthy chunk.
//
// A chunk becomes ready when ANY of: the buffered text ends in
// sentence-terminating punctuation, the word threshold is reached, or the
// oldest unflushed fragment exceeds the max age. The first rule to trigger
// wins and resets the buffer. Trailing fragments below every threshold stay
// buffered until a later fragment, a stale sweep, or a forced flush; partial
// sentences are never analyzed alone.
type Buffer struct {
	mu            sync.Mutex
	sessions      map[string]*pending
	wordThreshold int
	maxAge        time.Duration
	now           func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock injects a time source, letting tests drive the age rule
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer creates a transcript buffer with the given readiness thresholds.
func NewBuffer(wordThreshold int, maxAge time.Duration, opts ...Option) *Buffer {
	if wordThreshold <= 0 {
		wordThreshold = 12
	}
	if maxAge <= 0 {
		maxAge = 6 * time.Second
	}
	b := &Buffer{
		sessions:      make(map[string]*pending),
		wordThreshold: wordThreshold,
		maxAge:        maxAge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a fragment to the session's pending buffer. If a readiness
// rule fires synchronously the emitted chunk is returned; otherwise the
// fragment stays buffered and the result is nil. Fragments that are empty
// after trimming are rejected with ErrEmptyFragment and change nothing.
func (b *Buffer) Append(sessionID, fragment string) (*Chunk, error) {
	if strings.TrimSpace(fragment) == "" {
		return nil, ErrEmptyFragment
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.sessions[sessionID]
	if !ok {
		p = &pending{}
		b.sessions[sessionID] = p
	}

	p.text.WriteString(fragment)
	p.times = append(p.times, b.now())

	if b.isReadyLocked(p) {
		return b.emitLocked(sessionID, p), nil
	}
	return nil, nil
}

// ForceFlush immediately emits whatever is pending as a complete chunk,
// regardless of readiness rules. An empty buffer is a legal no-op (nil).
func (b *Buffer) ForceFlush(sessionID string) *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.sessions[sessionID]
	if !ok || len(p.times) == 0 {
		return nil
	}
	return b.emitLocked(sessionID, p)
}

// FlushStale emits a chunk for every session whose oldest unflushed fragment
// has exceeded the max age. Driven by a periodic ticker in the host; tests
// call it directly with a virtual clock.
func (b *Buffer) FlushStale() []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Chunk
	now := b.now()
	for sessionID, p := range b.sessions {
		if len(p.times) > 0 && now.Sub(p.times[0]) >= b.maxAge {
			out = append(out, b.emitLocked(sessionID, p))
		}
	}
	return out
}

// Stats returns diagnostic counters for a session's pending buffer.
// The second result is false when the session has never buffered anything.
func (b *Buffer) Stats(sessionID string) (Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}

	s := Stats{
		PendingFragments: len(p.times),
		PendingWords:     len(strings.Fields(p.text.String())),
		ChunksEmitted:    p.emitted,
	}
	if len(p.times) > 0 {
		s.OldestAge = b.now().Sub(p.times[0])
		s.Ready = b.isReadyLocked(p)
	}
	return s, true
}

// Drop releases all buffered state for a session.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

func (b *Buffer) isReadyLocked(p *pending) bool {
	text := p.text.String()
	if endsSentence(text) {
		return true
	}
	if len(strings.Fields(text)) >= b.wordThreshold {
		return true
	}
	return b.now().Sub(p.times[0]) >= b.maxAge
}

func (b *Buffer) emitLocked(sessionID string, p *pending) *Chunk {
	chunk := &Chunk{
		SessionID:     sessionID,
		Seq:           p.seq,
		Text:          strings.TrimSpace(p.text.String()),
		FragmentTimes: p.times,
		Complete:      true,
	}
	p.seq++
	p.emitted++
	p.text.Reset()
	p.times = nil
	return chunk
}

// endsSentence reports whether text ends with sentence-terminating
// punctuation, ignoring trailing whitespace and closing quotes/parens.
func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\r\"'”’)]")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(trimmed, "…")
}
