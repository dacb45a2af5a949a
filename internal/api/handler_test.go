package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abalyn/certflow/internal/agent"
	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/ingest"
	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/session"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/stream"
	"github.com/abalyn/certflow/internal/transcript"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, agent.Invocation) iter.Seq2[*agent.Response, error] {
	return func(yield func(*agent.Response, error) bool) {}
}

func newTestServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	buffer := transcript.NewBuffer(12, 6*time.Second)
	hub := stream.NewHub(stream.Config{
		KeepaliveInterval: 10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxLifetime:       time.Hour,
		SweepInterval:     time.Minute,
		ReplayQueueSize:   100,
	}, nil)
	orc := orchestrator.New(orchestrator.Config{
		AgentTimeout: time.Second,
		TurnWindow:   8,
		RingCapacity: 8,
		Rules:        orchestrator.MergeRules{BrieflyAt: 30, HighWaterMark: 80},
	}, orchestrator.NewContextStore(), noopRunner{}, hub, nil)
	sessions := session.NewService(repo, orc, buffer, hub, ingest.NewRegistry())

	handler := NewHandler(sessions, buffer, orc, hub, repo, NewRateLimiter(rateLimit, time.Minute))
	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func createSession(t *testing.T, srv *httptest.Server) *domain.Session {
	t.Helper()
	body := `{"procedure_text": "Central line insertion.", "topics": ["sterile field", "anesthesia"]}`
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	return &created
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)
	assert.Len(t, created.Topics, 2)
	assert.Equal(t, domain.TopicNotDiscussed, created.Topics[0].Status)
}

func TestCreateSessionRequiresProcedureText(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", `{"topics": ["a"]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownSessionIs404(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	resp, err := http.Get(srv.URL + "/api/sessions/no-such-session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A failed lookup must not create the session as a side effect.
	resp2, err := http.Get(srv.URL + "/api/sessions/no-such-session")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSubmitTranscriptEmitsChunkOnSentence(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)
	url := fmt.Sprintf("%s/api/sessions/%s/transcript", srv.URL, created.ID)

	resp := doJSON(t, http.MethodPost, url, `{"text": "The patient was"}`)
	var r1 submitTranscriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r1))
	resp.Body.Close()
	assert.Nil(t, r1.Chunk)
	assert.Equal(t, 1, r1.Stats.PendingFragments)

	resp = doJSON(t, http.MethodPost, url, `{"text": " stable throughout."}`)
	var r2 submitTranscriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r2))
	resp.Body.Close()
	require.NotNil(t, r2.Chunk)
	assert.Equal(t, "The patient was stable throughout.", *r2.Chunk)
	assert.Equal(t, 0, r2.Stats.PendingFragments)
}

func TestSubmitTranscriptForceFlush(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)
	url := fmt.Sprintf("%s/api/sessions/%s/transcript", srv.URL, created.ID)

	resp := doJSON(t, http.MethodPost, url, `{"text": "um so", "flush": true}`)
	var r submitTranscriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	resp.Body.Close()
	require.NotNil(t, r.Chunk)
	assert.Equal(t, "um so", *r.Chunk)
}

func TestSubmitTranscriptValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)
	url := fmt.Sprintf("%s/api/sessions/%s/transcript", srv.URL, created.ID)

	resp := doJSON(t, http.MethodPost, url, `{"text": ""}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, `{"text": "   "}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/sessions/ghost/transcript", `{"text": "hi."}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseSessionPersistsAndRejectsFurtherInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)

	resp := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/sessions/%s", srv.URL, created.ID), "")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(fmt.Sprintf("%s/api/sessions/%s", srv.URL, created.ID))
	require.NoError(t, err)
	var snapshot struct {
		Session domain.Session `json:"session"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&snapshot))
	getResp.Body.Close()
	assert.True(t, snapshot.Session.IsClosed())
	assert.NotNil(t, snapshot.Session.OutcomeJSON)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/sessions/%s/transcript", srv.URL, created.ID), `{"text": "late."}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestGetContextAndStats(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	created := createSession(t, srv)

	resp, err := http.Get(fmt.Sprintf("%s/api/sessions/%s/context", srv.URL, created.ID))
	require.NoError(t, err)
	var ctxBody struct {
		Context orchestrator.SharedContext `json:"context"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ctxBody))
	resp.Body.Close()
	assert.Equal(t, 0, ctxBody.Context.Version)
	assert.Len(t, ctxBody.Context.Topics, 2)

	resp, err = http.Get(fmt.Sprintf("%s/api/sessions/%s/stats", srv.URL, created.ID))
	require.NoError(t, err)
	var stats sessionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 0, stats.Version)
	assert.False(t, stats.Subscribers)
}

func TestTranscriptRateLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 3)
	created := createSession(t, srv)
	url := fmt.Sprintf("%s/api/sessions/%s/transcript", srv.URL, created.ID)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, url, `{"text": "word"}`)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := doJSON(t, http.MethodPost, url, `{"text": "word"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 60)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
