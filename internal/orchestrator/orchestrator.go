// Package orchestrator coordinates transcript chunks, agent runs, and the
// shared analysis context for every live session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abalyn/certflow/internal/agent"
	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/transcript"
)

var (
	// ErrUnknownSession is returned for operations on sessions that were
	// never registered or have been cleared.
	ErrUnknownSession = errors.New("unknown session")
	// ErrQueueFull is returned when a session's chunk queue is saturated.
	ErrQueueFull = errors.New("chunk queue full")
)

const chunkQueueSize = 64

// Config holds the orchestrator's tunables.
type Config struct {
	AgentTimeout time.Duration
	TurnWindow   int
	RingCapacity int
	Rules        MergeRules
}

// Orchestrator runs the per-session state machine: chunks queue in arrival
// order, each chunk fans out to its agent set, and completions fold into a
// single atomic context merge before the next chunk starts.
type Orchestrator struct {
	cfg    Config
	store  *ContextStore
	runner agent.Runner
	pub    Publisher
	logger *slog.Logger
	clock  func() time.Time

	mu         sync.Mutex
	sessions   map[string]*sessionWorker
	genCounter int64
}

type sessionWorker struct {
	queue  chan *transcript.Chunk
	cancel context.CancelFunc
	// generation is unique per worker incarnation across all sessions, so
	// results from a torn-down incarnation can never match a later one.
	generation int64
}

func New(cfg Config, store *ContextStore, runner agent.Runner, pub Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		pub:      pub,
		logger:   logger,
		clock:    time.Now,
		sessions: make(map[string]*sessionWorker),
	}
}

// Register starts the worker for a new session, seeding its context with
// the session's topics. Registering an already-registered session is an
// error; the caller controls session lifecycle explicitly.
func (o *Orchestrator) Register(sessionID string, topics []domain.Topic) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[sessionID]; ok {
		return fmt.Errorf("session %s already registered", sessionID)
	}

	o.store.Create(sessionID, topics, o.cfg.RingCapacity)
	o.genCounter++
	gen := o.genCounter

	ctx, cancel := context.WithCancel(context.Background())
	w := &sessionWorker{
		queue:      make(chan *transcript.Chunk, chunkQueueSize),
		cancel:     cancel,
		generation: gen,
	}
	o.sessions[sessionID] = w
	go o.runSession(ctx, sessionID, gen, w.queue)
	return nil
}

// OnChunkReady queues a completed chunk for processing. Chunks for one
// session are processed strictly in the order they arrive here.
func (o *Orchestrator) OnChunkReady(sessionID string, chunk *transcript.Chunk) error {
	o.mu.Lock()
	w, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	select {
	case w.queue <- chunk:
		return nil
	default:
		return ErrQueueFull
	}
}

// Context returns a snapshot of the session's shared context.
func (o *Orchestrator) Context(sessionID string) (*SharedContext, bool) {
	return o.store.Get(sessionID)
}

// ClearSession tears the session down: the worker stops, its context is
// dropped, and results from any in-flight agent calls are discarded on
// arrival via the generation guard.
func (o *Orchestrator) ClearSession(sessionID string) {
	o.mu.Lock()
	w, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	o.store.Delete(sessionID)
}

// live reports whether the given generation is still the session's current
// one. Stale workers use it to drop results that finished after teardown.
func (o *Orchestrator) live(sessionID string, gen int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.sessions[sessionID]
	return ok && w.generation == gen
}

func (o *Orchestrator) runSession(ctx context.Context, sessionID string, gen int64, queue <-chan *transcript.Chunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-queue:
			o.processChunk(ctx, sessionID, gen, chunk)
		}
	}
}

// agentOutcome is one agent's terminal state for a chunk.
type agentOutcome struct {
	kind agent.Kind
	resp *agent.Response
	err  error
}

func (o *Orchestrator) processChunk(ctx context.Context, sessionID string, gen int64, chunk *transcript.Chunk) {
	snapshot, ok := o.store.Get(sessionID)
	if !ok {
		return
	}
	view := snapshot.View()
	turns := snapshot.Turns.Recent(o.cfg.TurnWindow)

	// Wave one: the unconditional chunk analyses run concurrently.
	wave1 := o.runAgents(ctx, sessionID, chunk.Text, view, turns,
		agent.KindValidation, agent.KindTopicAnalysis)

	// Wave two is gated on wave one's findings; clarification sees the
	// fresh issues.
	var wave2Kinds []agent.Kind
	view2 := view
	for _, out := range wave1 {
		if out.err != nil || out.resp == nil || out.resp.Metadata == nil {
			continue
		}
		if v := out.resp.Metadata.Validation; v != nil && len(v.Issues) > 0 {
			view2.Issues = append(view2.Issues, v.Issues...)
			wave2Kinds = append(wave2Kinds, agent.KindClarification)
		}
		if ta := out.resp.Metadata.TopicAnalysis; ta != nil && ta.Novelty {
			wave2Kinds = append(wave2Kinds, agent.KindTopicDiscovery)
		}
	}
	wave2 := o.runAgents(ctx, sessionID, chunk.Text, view2, turns, wave2Kinds...)

	// Follow-up runs last, once validation and any clarification have
	// settled, so its suggestion reflects them.
	view3 := view2
	for _, out := range wave2 {
		if out.err != nil || out.resp == nil || out.resp.Metadata == nil {
			continue
		}
		if c := out.resp.Metadata.Clarification; c != nil {
			view3.Questions = append(view3.Questions, c.Questions...)
		}
	}
	wave3 := o.runAgents(ctx, sessionID, chunk.Text, view3, turns, agent.KindFollowUp)

	if !o.live(sessionID, gen) {
		return
	}

	outcomes := append(wave1, wave2...)
	outcomes = append(outcomes, wave3...)
	delta := &Delta{}
	failed := 0
	for _, out := range outcomes {
		if out.err != nil {
			failed++
			o.logger.Warn("agent failed",
				"session_id", sessionID, "agent", out.kind, "error", out.err)
			o.pub.Publish(sessionID, StreamEvent{
				Type:      EventError,
				SessionID: sessionID,
				Timestamp: o.clock(),
				AgentKind: out.kind,
				Message:   fmt.Sprintf("%s agent failed", out.kind),
			})
			continue
		}
		delta.Fold(out.resp)
	}

	now := o.clock()
	merged := snapshot
	if failed == len(outcomes) {
		// Total failure: unchanged context, same version, but clients
		// still get a context_update so they know the chunk was consumed.
		o.pub.Publish(sessionID, StreamEvent{
			Type:      EventContextUpdate,
			SessionID: sessionID,
			Timestamp: now,
			Context:   merged.Clone(),
		})
		return
	}

	merged.Turns.Push(domain.Turn{Role: domain.RoleTrainee, Text: chunk.Text, At: now})
	merged.Merge(delta, o.cfg.Rules, now)

	// The surfaced suggestion is what the interviewer asks next, so it
	// joins the conversation window later agent calls see.
	suggestion := SelectResponse(merged)
	if suggestion != nil {
		merged.Turns.Push(domain.Turn{Role: domain.RoleInterviewer, Text: suggestion.Text, At: now})
	}
	if !o.store.Replace(sessionID, merged) {
		return
	}
	o.pub.Publish(sessionID, StreamEvent{
		Type:       EventContextUpdate,
		SessionID:  sessionID,
		Timestamp:  now,
		Context:    merged.Clone(),
		Suggestion: suggestion,
	})
}

// runAgents launches the given kinds concurrently, each under its own
// timeout, streaming their increments as events. It returns once every
// agent has reached a terminal state.
func (o *Orchestrator) runAgents(ctx context.Context, sessionID, chunkText string, view agent.ContextView, turns []domain.Turn, kinds ...agent.Kind) []agentOutcome {
	outcomes := make([]agentOutcome, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind agent.Kind) {
			defer wg.Done()
			outcomes[i] = o.runOne(ctx, sessionID, chunkText, view, turns, kind)
		}(i, kind)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) runOne(ctx context.Context, sessionID, chunkText string, view agent.ContextView, turns []domain.Turn, kind agent.Kind) agentOutcome {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	o.pub.Publish(sessionID, StreamEvent{
		Type:      EventAgentStart,
		SessionID: sessionID,
		Timestamp: o.clock(),
		AgentKind: kind,
	})

	inv := agent.Invocation{
		Kind:      kind,
		SessionID: sessionID,
		ChunkText: chunkText,
		Context:   view,
		Turns:     turns,
	}

	var final *agent.Response
	for resp, err := range o.runner.Run(runCtx, inv) {
		if err != nil {
			return agentOutcome{kind: kind, err: err}
		}
		if resp.Complete {
			final = resp
			continue
		}
		if resp.Delta != "" {
			o.pub.Publish(sessionID, StreamEvent{
				Type:      EventAgentStream,
				SessionID: sessionID,
				Timestamp: resp.At,
				AgentKind: kind,
				Content:   resp.Delta,
			})
		}
	}
	if final == nil {
		return agentOutcome{kind: kind, err: fmt.Errorf("agent %s ended without completing", kind)}
	}

	o.pub.Publish(sessionID, StreamEvent{
		Type:      EventAgentComplete,
		SessionID: sessionID,
		Timestamp: final.At,
		AgentKind: kind,
		Content:   final.Content,
	})
	return agentOutcome{kind: kind, resp: final}
}
