package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/store"
)

// Handler serves the long-lived SSE subscription endpoint.
type Handler struct {
	hub  *Hub
	repo store.Repository
}

func NewHandler(hub *Hub, repo store.Repository) *Handler {
	return &Handler{hub: hub, repo: repo}
}

// RegisterRoutes mounts the stream endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}/events", h.HandleEvents)
}

// HandleEvents handles GET /api/sessions/{sessionID}/events. It subscribes
// the client to the session's event stream, replays missed events when the
// client reconnects with a Last-Event-ID, and keeps the connection alive
// with heartbeats until the client leaves or the sweep reaps it.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}
	if session.IsClosed() {
		http.Error(w, `{"error": "session closed"}`, http.StatusGone)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelayMs := h.hub.cfg.RetryDelay.Milliseconds()
	if retryDelayMs <= 0 {
		retryDelayMs = 5000
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		return
	}
	flusher.Flush()

	conn := h.hub.register(sessionID, w, flusher, lastEventID)
	defer h.hub.unregister(conn)

	// Replay and the connected event are written directly; live events
	// queue on the connection buffer until the loop below drains them.
	// An event published between register and the replay snapshot sits in
	// both, so the loop skips queued ids at or below replayedThrough.
	replayedThrough := lastEventID
	if lastEventID > 0 {
		missed := h.hub.missedEvents(sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("replaying missed events",
				"session_id", sessionID, "conn_id", conn.ID, "count", len(missed))
			for _, q := range missed {
				if err := h.hub.deliver(conn, *q); err != nil {
					return
				}
				replayedThrough = q.eventID
			}
		}
	}

	err = h.hub.deliver(conn, queuedEvent{
		eventID: h.hub.nextEventID(),
		event: orchestrator.StreamEvent{
			Type:      orchestrator.EventConnected,
			SessionID: sessionID,
			Timestamp: h.hub.clock(),
		},
	})
	if err != nil {
		return
	}

	slog.Info("stream connected",
		"session_id", sessionID, "conn_id", conn.ID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.hub.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("stream disconnected", "session_id", sessionID, "conn_id", conn.ID)
			return
		case <-conn.Done:
			return
		case q := <-conn.events:
			if alreadyReplayed(q, replayedThrough) {
				continue
			}
			if err := h.hub.deliver(conn, q); err != nil {
				slog.Warn("write to connection failed",
					"session_id", sessionID, "conn_id", conn.ID, "error", err)
				return
			}
		case <-keepalive.C:
			hb := orchestrator.StreamEvent{
				Type:      orchestrator.EventHeartbeat,
				SessionID: sessionID,
				Timestamp: h.hub.clock(),
			}
			data, merr := json.Marshal(hb)
			if merr != nil {
				slog.Error("marshal heartbeat failed", "error", merr)
				return
			}
			if err := writeSSE(w, string(orchestrator.EventHeartbeat), string(data)); err != nil {
				slog.Warn("keepalive write failed", "session_id", sessionID, "conn_id", conn.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
