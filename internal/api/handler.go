// Package api provides HTTP handlers for the certflow REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/session"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/stream"
	"github.com/abalyn/certflow/internal/transcript"
)

// maxRequestBodySize bounds transcript and session payloads (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves session and transcript requests.
type Handler struct {
	sessions    *session.Service
	buffer      *transcript.Buffer
	orc         *orchestrator.Orchestrator
	hub         *stream.Hub
	repo        store.Repository
	rateLimiter *RateLimiter
}

func NewHandler(sessions *session.Service, buffer *transcript.Buffer, orc *orchestrator.Orchestrator, hub *stream.Hub, repo store.Repository, rateLimiter *RateLimiter) *Handler {
	return &Handler{
		sessions:    sessions,
		buffer:      buffer,
		orc:         orc,
		hub:         hub,
		repo:        repo,
		rateLimiter: rateLimiter,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the REST endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.HandleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.HandleGetSession)
			r.Delete("/", h.HandleCloseSession)
			r.Post("/transcript", h.HandleSubmitTranscript)
			r.Get("/context", h.HandleGetContext)
			r.Get("/stats", h.HandleGetStats)
		})
	})
	r.Get("/health", h.HandleHealth)
}

type createSessionRequest struct {
	ProcedureText string   `json:"procedure_text"`
	Topics        []string `json:"topics"`
}

// HandleCreateSession handles POST /api/sessions.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProcedureText == "" {
		Error(w, http.StatusBadRequest, "procedure_text is required")
		return
	}

	created, err := h.sessions.Create(r.Context(), req.ProcedureText, req.Topics)
	if err != nil {
		slog.Error("session create failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, created)
}

type sessionSnapshot struct {
	Session *domain.Session   `json:"session"`
	Version int               `json:"version"`
	Buffer  *transcript.Stats `json:"buffer,omitempty"`
}

// HandleGetSession handles GET /api/sessions/{sessionID}. The snapshot
// carries the stored record plus the live context version and buffer state.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	record, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err, sessionID)
		return
	}

	snapshot := sessionSnapshot{Session: record}
	if ctx, ok := h.orc.Context(sessionID); ok {
		snapshot.Version = ctx.Version
	}
	if bufStats, ok := h.buffer.Stats(sessionID); ok {
		snapshot.Buffer = &bufStats
	}
	JSON(w, http.StatusOK, snapshot)
}

// HandleCloseSession handles DELETE /api/sessions/{sessionID}: the session
// is closed, its outcome persisted, and all live state released.
func (h *Handler) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.Close(r.Context(), sessionID); err != nil {
		h.writeSessionError(w, err, sessionID)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type submitTranscriptRequest struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type submitTranscriptResponse struct {
	Accepted bool             `json:"accepted"`
	Chunk    *string          `json:"chunk,omitempty"`
	Stats    transcript.Stats `json:"stats"`
}

// HandleSubmitTranscript handles POST /api/sessions/{sessionID}/transcript.
// The HTTP path mirrors the WebSocket feed for clients that batch text.
func (h *Handler) HandleSubmitTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	record, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err, sessionID)
		return
	}
	if record.IsClosed() {
		Error(w, http.StatusGone, "session closed")
		return
	}

	if !h.rateLimiter.Allow(sessionID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req submitTranscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && !req.Flush {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	var chunk *transcript.Chunk
	if req.Text != "" {
		chunk, err = h.buffer.Append(sessionID, req.Text)
		if err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if chunk == nil && req.Flush {
		chunk = h.buffer.ForceFlush(sessionID)
	}

	resp := submitTranscriptResponse{Accepted: true}
	if chunk != nil {
		if err := h.orc.OnChunkReady(sessionID, chunk); err != nil {
			slog.Warn("chunk dispatch failed", "error", err, "session_id", sessionID)
			Error(w, http.StatusServiceUnavailable, "session is not accepting chunks")
			return
		}
		resp.Chunk = &chunk.Text
	}
	if stats, ok := h.buffer.Stats(sessionID); ok {
		resp.Stats = stats
	}

	go h.touchSession(sessionID)
	JSON(w, http.StatusOK, resp)
}

// HandleGetContext handles GET /api/sessions/{sessionID}/context.
func (h *Handler) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		h.writeSessionError(w, err, sessionID)
		return
	}

	ctx, ok := h.orc.Context(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "no live context for session")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"context":    ctx,
		"suggestion": orchestrator.SelectResponse(ctx),
	})
}

type sessionStats struct {
	Buffer      transcript.Stats `json:"buffer"`
	Version     int              `json:"version"`
	Subscribers bool             `json:"subscribers"`
}

// HandleGetStats handles GET /api/sessions/{sessionID}/stats.
func (h *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		h.writeSessionError(w, err, sessionID)
		return
	}

	stats := sessionStats{Subscribers: h.hub.HasSubscribers(sessionID)}
	if bufStats, ok := h.buffer.Stats(sessionID); ok {
		stats.Buffer = bufStats
	}
	if ctx, ok := h.orc.Context(sessionID); ok {
		stats.Version = ctx.Version
	}
	JSON(w, http.StatusOK, stats)
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error, sessionID string) {
	if errors.Is(err, store.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Error("session lookup failed", "error", err, "session_id", sessionID)
	Error(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) touchSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.UpdateLastActive(ctx, sessionID, time.Now()); err != nil {
		slog.Warn("failed to update last active", "error", err, "session_id", sessionID)
	}
}
