package session

import (
	"context"
	"encoding/json"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abalyn/certflow/internal/agent"
	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/ingest"
	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/stream"
	"github.com/abalyn/certflow/internal/transcript"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, agent.Invocation) iter.Seq2[*agent.Response, error] {
	return func(yield func(*agent.Response, error) bool) {}
}

func newTestService(t *testing.T) (*Service, store.Repository, *orchestrator.Orchestrator) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	orc := orchestrator.New(orchestrator.Config{
		AgentTimeout: time.Second,
		TurnWindow:   8,
		RingCapacity: 8,
		Rules:        orchestrator.MergeRules{BrieflyAt: 30, HighWaterMark: 80},
	}, orchestrator.NewContextStore(), noopRunner{}, orchestrator.NopPublisher{}, nil)

	buffer := transcript.NewBuffer(12, 6*time.Second)
	hub := stream.NewHub(stream.Config{
		KeepaliveInterval: 10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxLifetime:       time.Hour,
		SweepInterval:     time.Minute,
		ReplayQueueSize:   100,
	}, nil)
	registry := ingest.NewRegistry()

	return NewService(repo, orc, buffer, hub, registry), repo, orc
}

func TestCreateSeedsTopicsAndRegistersSession(t *testing.T) {
	t.Parallel()

	svc, repo, orc := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "Central line insertion procedure.", []string{"sterile field", " anesthesia ", ""})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)

	stored, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, stored.Topics, 2)
	assert.Equal(t, "sterile field", stored.Topics[0].Name)
	assert.Equal(t, "anesthesia", stored.Topics[1].Name)
	assert.Equal(t, domain.TopicNotDiscussed, stored.Topics[0].Status)

	shared, ok := orc.Context(session.ID)
	require.True(t, ok)
	assert.Equal(t, 0, shared.Version)
	require.Len(t, shared.Topics, 2)
}

func TestClosePersistsOutcomeAndReleasesState(t *testing.T) {
	t.Parallel()

	svc, repo, orc := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "procedure", []string{"topic-a"})
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx, session.ID))

	stored, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, stored.IsClosed())
	require.NotNil(t, stored.OutcomeJSON)

	var outcome Outcome
	require.NoError(t, json.Unmarshal([]byte(*stored.OutcomeJSON), &outcome))
	assert.Equal(t, 0, outcome.Version)
	require.Len(t, outcome.Topics, 1)
	assert.Equal(t, "topic-a", outcome.Topics[0].Name)

	_, ok := orc.Context(session.ID)
	assert.False(t, ok)

	// Double close behaves like a missing session.
	require.ErrorIs(t, svc.Close(ctx, session.ID), store.ErrSessionNotFound)
}

func TestDeleteRemovesRecordEntirely(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "procedure", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, session.ID))

	_, err = repo.GetSession(ctx, session.ID)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
	require.ErrorIs(t, svc.Delete(ctx, session.ID), store.ErrSessionNotFound)
}

func TestCloseUnknownSessionFails(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	require.ErrorIs(t, svc.Close(context.Background(), "ghost"), store.ErrSessionNotFound)
}

func TestTTLSweepClosesIdleSessions(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	idle, err := svc.Create(ctx, "procedure", nil)
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, "procedure", nil)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateLastActive(ctx, idle.ID, time.Now().Add(-2*time.Hour)))

	closeExpiredSessions(ctx, svc, time.Hour)

	stored, err := repo.GetSession(ctx, idle.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsClosed())
	assert.NotNil(t, stored.OutcomeJSON)

	stored, err = repo.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsClosed())
}
