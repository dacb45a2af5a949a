// Package stream fans orchestrator events out to subscribed SSE clients.
package stream

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/abalyn/certflow/internal/orchestrator"
)

// Config holds the transport's tunables.
type Config struct {
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	SweepInterval     time.Duration
	ReplayQueueSize   int
	SendBufferSize    int
	RetryDelay        time.Duration
}

// Connection is one client's subscription to a session's event stream.
// Events are queued on a buffered channel and written by the serving
// goroutine, so publishers never block on a slow client.
type Connection struct {
	ID          int64
	SessionID   string
	ConnectedAt time.Time
	Done        chan struct{}

	events  chan queuedEvent
	writer  io.Writer
	flusher http.Flusher

	mu           sync.Mutex
	lastEventID  int64
	lastActivity time.Time
	closeOnce    sync.Once
}

// Close signals the serving goroutine to tear the connection down.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// lastDelivered returns the id of the last event written to the client.
func (c *Connection) lastDelivered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// queuedEvent is one replay-buffer entry.
type queuedEvent struct {
	eventID int64
	event   orchestrator.StreamEvent
}

// Hub is the per-session fan-out registry. It implements
// orchestrator.Publisher.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	connsMu sync.RWMutex
	conns   map[string]map[int64]*Connection

	queueMu sync.RWMutex
	queues  map[string]*list.List

	counterMu    sync.Mutex
	eventCounter int64
	connCounter  int64
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplayQueueSize <= 0 {
		cfg.ReplayQueueSize = 100
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		conns:  make(map[string]map[int64]*Connection),
		queues: make(map[string]*list.List),
	}
}

// WithClock overrides the hub clock, for deterministic sweep tests.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.clock = now
	return h
}

func (h *Hub) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

// register adds a connection for the session and returns it.
func (h *Hub) register(sessionID string, w io.Writer, flusher http.Flusher, lastEventID int64) *Connection {
	h.counterMu.Lock()
	h.connCounter++
	id := h.connCounter
	h.counterMu.Unlock()

	now := h.clock()
	conn := &Connection{
		ID:           id,
		SessionID:    sessionID,
		ConnectedAt:  now,
		Done:         make(chan struct{}),
		events:       make(chan queuedEvent, h.cfg.SendBufferSize),
		writer:       w,
		flusher:      flusher,
		lastEventID:  lastEventID,
		lastActivity: now,
	}

	h.connsMu.Lock()
	if _, ok := h.conns[sessionID]; !ok {
		h.conns[sessionID] = make(map[int64]*Connection)
	}
	h.conns[sessionID][id] = conn
	h.connsMu.Unlock()
	return conn
}

// unregister removes the connection; when it was the session's last one the
// replay queue is pruned to free memory promptly.
func (h *Hub) unregister(conn *Connection) {
	conn.Close()
	h.connsMu.Lock()
	last := false
	if sessionConns, ok := h.conns[conn.SessionID]; ok {
		delete(sessionConns, conn.ID)
		if len(sessionConns) == 0 {
			delete(h.conns, conn.SessionID)
			last = true
		}
	}
	h.connsMu.Unlock()
	if last {
		h.pruneQueue(conn.SessionID)
	}
}

// Publish implements orchestrator.Publisher: the event is buffered for
// replay and written to every live connection for the session. A failed
// write drops that connection only.
func (h *Hub) Publish(sessionID string, ev orchestrator.StreamEvent) {
	eventID := h.nextEventID()
	h.enqueue(sessionID, eventID, ev)

	h.connsMu.RLock()
	sessionConns, ok := h.conns[sessionID]
	if !ok {
		h.connsMu.RUnlock()
		return
	}
	conns := make([]*Connection, 0, len(sessionConns))
	for _, c := range sessionConns {
		conns = append(conns, c)
	}
	h.connsMu.RUnlock()

	for _, conn := range conns {
		h.send(conn, eventID, ev)
	}
}

// send queues one event for the connection's serving goroutine. It never
// blocks: a connection whose buffer is full is too far behind and gets
// dropped.
func (h *Hub) send(conn *Connection, eventID int64, ev orchestrator.StreamEvent) {
	select {
	case <-conn.Done:
		return
	default:
	}

	select {
	case conn.events <- queuedEvent{eventID: eventID, event: ev}:
	default:
		h.logger.Warn("connection send buffer full, dropping it",
			"session_id", conn.SessionID, "conn_id", conn.ID)
		conn.Close()
	}
}

// deliver writes one event to the client. Runs only on the connection's
// serving goroutine.
func (h *Hub) deliver(conn *Connection, q queuedEvent) error {
	data, err := json.Marshal(q.event)
	if err != nil {
		h.logger.Error("marshal stream event failed", "error", err, "type", q.event.Type)
		return nil
	}
	if err := writeSSEWithID(conn.writer, q.eventID, string(q.event.Type), string(data)); err != nil {
		return err
	}
	conn.flusher.Flush()

	conn.mu.Lock()
	conn.lastEventID = q.eventID
	conn.lastActivity = h.clock()
	conn.mu.Unlock()
	return nil
}

// HasSubscribers reports whether any connection is attached to the session.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns[sessionID]) > 0
}

// ConnectionCount returns the number of live connections across sessions.
func (h *Hub) ConnectionCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	n := 0
	for _, sessionConns := range h.conns {
		n += len(sessionConns)
	}
	return n
}

// CloseSession closes every connection for a session and drops its replay
// queue; used on session teardown.
func (h *Hub) CloseSession(sessionID string) {
	h.connsMu.Lock()
	sessionConns := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.connsMu.Unlock()

	for _, conn := range sessionConns {
		conn.Close()
	}
	h.pruneQueue(sessionID)
}

// Sweep closes connections idle past IdleTimeout or older than MaxLifetime.
// It runs from the background sweeper and directly from tests.
func (h *Hub) Sweep() int {
	now := h.clock()

	h.connsMu.RLock()
	var stale []*Connection
	for _, sessionConns := range h.conns {
		for _, conn := range sessionConns {
			idle := now.Sub(conn.idleSince())
			age := now.Sub(conn.ConnectedAt)
			if (h.cfg.IdleTimeout > 0 && idle > h.cfg.IdleTimeout) ||
				(h.cfg.MaxLifetime > 0 && age > h.cfg.MaxLifetime) {
				stale = append(stale, conn)
			}
		}
	}
	h.connsMu.RUnlock()

	for _, conn := range stale {
		h.logger.Info("sweeping stale connection",
			"session_id", conn.SessionID, "conn_id", conn.ID)
		h.unregister(conn)
	}
	return len(stale)
}

// RunSweeper periodically sweeps stale connections until ctx is done.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.Info("connection sweep completed", "reaped", n)
			}
		}
	}
}

// enqueue buffers an event for replay, bounded per session.
func (h *Hub) enqueue(sessionID string, eventID int64, ev orchestrator.StreamEvent) {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	l, ok := h.queues[sessionID]
	if !ok {
		l = list.New()
		h.queues[sessionID] = l
	}
	l.PushBack(&queuedEvent{eventID: eventID, event: ev})
	for l.Len() > h.cfg.ReplayQueueSize {
		l.Remove(l.Front())
	}
}

// missedEvents returns buffered events newer than afterEventID, in order.
func (h *Hub) missedEvents(sessionID string, afterEventID int64) []*queuedEvent {
	h.queueMu.RLock()
	defer h.queueMu.RUnlock()
	l, ok := h.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		q := e.Value.(*queuedEvent)
		if q.eventID > afterEventID {
			missed = append(missed, q)
		}
	}
	return missed
}

// alreadyReplayed reports whether a queued event was already written to the
// client during the reconnect replay and must not be written again.
func alreadyReplayed(q queuedEvent, replayedThrough int64) bool {
	return q.eventID <= replayedThrough
}

func (h *Hub) pruneQueue(sessionID string) {
	h.queueMu.Lock()
	delete(h.queues, sessionID)
	h.queueMu.Unlock()
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
