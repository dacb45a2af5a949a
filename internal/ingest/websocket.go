package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/transcript"
)

// wsMessage is the client-to-server message shape.
type wsMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// WebSocketHandler accepts a session's transcript feed: fragments stream
// in, the buffer assembles them into chunks, and ready chunks go to the
// orchestrator.
type WebSocketHandler struct {
	repo          store.Repository
	buffer        *transcript.Buffer
	orc           *orchestrator.Orchestrator
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

func NewWebSocketHandler(repo store.Repository, buffer *transcript.Buffer, orc *orchestrator.Orchestrator, registry *Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		buffer:        buffer,
		orc:           orc,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes mounts the transcript feed endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}/transcript/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the feed's read loop.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("transcript feed connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

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

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.registry.Register(sessionID, ws)
	defer h.registry.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, sessionID)
	slog.Info("transcript feed ended", "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Bare text frames count as fragments.
			msg = wsMessage{Type: "fragment", Text: string(message)}
		}

		switch msg.Type {
		case "fragment":
			chunk, err := h.buffer.Append(sessionID, msg.Text)
			if err != nil {
				if writeErr := h.writeJSON(ws, map[string]string{"type": "error", "error": err.Error()}); writeErr != nil {
					slog.Debug("failed to send fragment error", "error", writeErr)
				}
				continue
			}
			h.dispatch(sessionID, chunk)
		case "flush":
			h.dispatch(sessionID, h.buffer.ForceFlush(sessionID))
			if err := h.writeJSON(ws, map[string]string{"type": "flushed"}); err != nil {
				slog.Debug("failed to send flush acknowledgment", "error", err)
			}
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("failed to send pong", "error", err)
			}
		default:
			slog.Debug("unknown feed message type", "type", msg.Type, "session_id", sessionID)
		}

		// Update last activity asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastActive(updateCtx, sessionID, time.Now()); err != nil {
				slog.Warn("failed to update last active", "error", err, "session_id", sessionID)
			}
		}()
	}
}

// dispatch hands a ready chunk to the orchestrator. A nil chunk means the
// buffer had nothing to emit.
func (h *WebSocketHandler) dispatch(sessionID string, chunk *transcript.Chunk) {
	if chunk == nil {
		return
	}
	if err := h.orc.OnChunkReady(sessionID, chunk); err != nil {
		slog.Warn("chunk dispatch failed", "error", err, "session_id", sessionID)
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
