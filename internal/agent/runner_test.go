package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/llm"
)

func collect(t *testing.T, runner Runner, inv Invocation) ([]*Response, error) {
	t.Helper()
	var out []*Response
	for resp, err := range runner.Run(context.Background(), inv) {
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func TestLLMRunnerStreamsDeltasThenCompletes(t *testing.T) {
	t.Parallel()

	client := llm.NewMockClient(llm.MockReply{Deltas: []string{
		"The chunk contradicts the earlier dosage claim.\n",
		`{"issues": ["dosage contradicts earlier statement"]}`,
	}})
	runner := NewLLMRunner(client)

	responses, err := collect(t, runner, Invocation{
		Kind:      KindValidation,
		SessionID: "s1",
		ChunkText: "We administered 50mg.",
	})
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.Equal(t, "The chunk contradicts the earlier dosage claim.\n", responses[0].Delta)
	assert.False(t, responses[0].Complete)
	assert.False(t, responses[1].Complete)

	final := responses[2]
	assert.True(t, final.Complete)
	assert.Equal(t, KindValidation, final.Kind)
	assert.Equal(t, "The chunk contradicts the earlier dosage claim.", final.Content)
	require.NotNil(t, final.Metadata)
	require.NotNil(t, final.Metadata.Validation)
	assert.Equal(t, []string{"dosage contradicts earlier statement"}, final.Metadata.Validation.Issues)
}

func TestLLMRunnerRepairsSloppyMetadata(t *testing.T) {
	t.Parallel()

	// Trailing comma and unquoted key, the kind of JSON models emit.
	client := llm.NewMockClient(llm.MockReply{Deltas: []string{
		"Coverage looks partial.\n```json\n{scores: {\"anesthesia\": 45,}, \"novelty\": false}\n```",
	}})
	runner := NewLLMRunner(client)

	responses, err := collect(t, runner, Invocation{Kind: KindTopicAnalysis, ChunkText: "..."})
	require.NoError(t, err)

	final := responses[len(responses)-1]
	require.True(t, final.Complete)
	require.NotNil(t, final.Metadata.TopicAnalysis)
	assert.Equal(t, 45, final.Metadata.TopicAnalysis.Scores["anesthesia"])
	assert.False(t, final.Metadata.TopicAnalysis.Novelty)
	assert.Equal(t, "Coverage looks partial.", final.Content)
}

func TestLLMRunnerClampsScores(t *testing.T) {
	t.Parallel()

	client := llm.NewMockClient(llm.MockReply{Deltas: []string{
		`{"scores": {"a": 150, "b": -10}, "novelty": false}`,
	}})
	runner := NewLLMRunner(client)

	responses, err := collect(t, runner, Invocation{Kind: KindTopicAnalysis, ChunkText: "..."})
	require.NoError(t, err)

	final := responses[len(responses)-1]
	assert.Equal(t, 100, final.Metadata.TopicAnalysis.Scores["a"])
	assert.Equal(t, 0, final.Metadata.TopicAnalysis.Scores["b"])
}

func TestLLMRunnerMissingMetadataIsFailure(t *testing.T) {
	t.Parallel()

	client := llm.NewMockClient(llm.MockReply{Deltas: []string{"no structured block here"}})
	runner := NewLLMRunner(client)

	_, err := collect(t, runner, Invocation{Kind: KindFollowUp, ChunkText: "..."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "follow_up")
}

func TestLLMRunnerProviderErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("provider unavailable")
	client := llm.NewMockClient(llm.MockReply{Deltas: []string{"part"}, Err: boom})
	runner := NewLLMRunner(client)

	responses, err := collect(t, runner, Invocation{Kind: KindValidation, ChunkText: "..."})
	require.ErrorIs(t, err, boom)
	assert.Len(t, responses, 1)
}

func TestLLMRunnerTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	runner := NewLLMRunner(llm.BlockingClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	for _, err := range runner.Run(ctx, Invocation{Kind: KindValidation, ChunkText: "x"}) {
		if err != nil {
			got = err
		}
	}
	require.ErrorIs(t, got, context.Canceled)
}

func TestLLMRunnerRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	runner := NewLLMRunner(llm.NewMockClient())
	_, err := collect(t, runner, Invocation{Kind: Kind("mystery")})
	require.Error(t, err)
}

func TestBuildMessagesIncludesContextAndTurns(t *testing.T) {
	t.Parallel()

	inv := Invocation{
		Kind:      KindFollowUp,
		ChunkText: "latest",
		Context: ContextView{
			Topics:     []domain.Topic{{Name: "sterile field", Status: domain.TopicBrieflyDiscussed, Score: 40}},
			Candidates: []string{"What went wrong?"},
		},
		Turns: []domain.Turn{
			{Role: domain.RoleInterviewer, Text: "Walk me through setup."},
			{Role: domain.RoleTrainee, Text: "First I scrubbed in."},
		},
	}

	msgs := buildMessages(inv)
	require.GreaterOrEqual(t, len(msgs), 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "sterile field")
	assert.Contains(t, msgs[1].Content, "What went wrong?")
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Contains(t, msgs[len(msgs)-1].Content, "latest")
}
