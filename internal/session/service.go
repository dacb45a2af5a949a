// Package session owns session lifecycle: creation, teardown, and the
// idle-session TTL sweep.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/ingest"
	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/stream"
	"github.com/abalyn/certflow/internal/transcript"
)

// Outcome is the finalized analysis written back to the session record on
// teardown.
type Outcome struct {
	Version    int            `json:"version"`
	Topics     []domain.Topic `json:"topics"`
	Issues     []string       `json:"issues"`
	Candidates []string       `json:"candidates"`
	ClosedAt   time.Time      `json:"closed_at"`
}

// Service ties a session's persistent record to its in-memory analysis
// state across all subsystems.
type Service struct {
	repo     store.Repository
	orc      *orchestrator.Orchestrator
	buffer   *transcript.Buffer
	hub      *stream.Hub
	registry *ingest.Registry
	clock    func() time.Time
}

func NewService(repo store.Repository, orc *orchestrator.Orchestrator, buffer *transcript.Buffer, hub *stream.Hub, registry *ingest.Registry) *Service {
	return &Service{
		repo:     repo,
		orc:      orc,
		buffer:   buffer,
		hub:      hub,
		registry: registry,
		clock:    time.Now,
	}
}

// Create starts a new session: a persistent record seeded with the
// procedure's topics and a registered orchestrator worker.
func (s *Service) Create(ctx context.Context, procedureText string, topicNames []string) (*domain.Session, error) {
	topics := make([]domain.Topic, 0, len(topicNames))
	for _, name := range topicNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		topics = append(topics, domain.Topic{Name: name, Status: domain.TopicNotDiscussed})
	}

	now := s.clock()
	session := &domain.Session{
		ID:            uuid.NewString(),
		ProcedureText: procedureText,
		Topics:        topics,
		CreatedAt:     now,
		LastActiveAt:  now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}
	if err := s.orc.Register(session.ID, topics); err != nil {
		// Roll the record back so a half-created session cannot be used.
		if delErr := s.repo.DeleteSession(ctx, session.ID); delErr != nil {
			slog.Warn("failed to roll back session record", "error", delErr, "session_id", session.ID)
		}
		return nil, fmt.Errorf("register session: %w", err)
	}

	slog.Info("session created", "session_id", session.ID, "topics", len(topics))
	return session, nil
}

// Get returns the session's persistent record.
func (s *Service) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Close tears a session down: the final context becomes the persisted
// outcome, then every subsystem's state for the id is released. Closing an
// unknown or already-closed session returns ErrSessionNotFound.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}

	outcome := s.buildOutcome(sessionID)
	if err := s.repo.CloseSession(ctx, sessionID, outcome.ClosedAt, mustJSON(outcome)); err != nil {
		return err
	}

	s.teardown(sessionID)
	slog.Info("session closed", "session_id", sessionID)
	return nil
}

// Delete removes the session record entirely along with all live state.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.teardown(sessionID)
	slog.Info("session deleted", "session_id", sessionID)
	return nil
}

func (s *Service) buildOutcome(sessionID string) Outcome {
	outcome := Outcome{ClosedAt: s.clock()}
	if ctx, ok := s.orc.Context(sessionID); ok {
		outcome.Version = ctx.Version
		outcome.Topics = ctx.Topics
		outcome.Issues = ctx.Issues
		outcome.Candidates = ctx.Candidates
	}
	return outcome
}

// teardown releases in-memory state across subsystems. Results from agent
// calls still in flight are discarded on arrival.
func (s *Service) teardown(sessionID string) {
	s.registry.CloseSession(sessionID)
	s.orc.ClearSession(sessionID)
	s.buffer.Drop(sessionID)
	s.hub.CloseSession(sessionID)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("outcome marshal failed", "error", err)
		return "{}"
	}
	return string(data)
}
