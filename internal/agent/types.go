// Package agent implements the analytical tasks run against transcript chunks.
package agent

import (
	"time"

	"github.com/abalyn/certflow/internal/domain"
)

// Kind identifies one analytical task.
type Kind string

const (
	// KindValidation flags factual or consistency problems in the latest chunk.
	KindValidation Kind = "validation"
	// KindClarification asks the speaker to clarify a flagged point.
	KindClarification Kind = "clarification"
	// KindFollowUp proposes the next question to ask.
	KindFollowUp Kind = "follow_up"
	// KindTopicAnalysis updates per-topic coverage scores from the chunk.
	KindTopicAnalysis Kind = "topic_analysis"
	// KindTopicDiscovery proposes a topic candidate not in the known set.
	KindTopicDiscovery Kind = "topic_discovery"
)

// ContextView is the read-only context snapshot handed to an agent.
// It is a copy; agents never see or touch live orchestrator state.
type ContextView struct {
	Version    int
	Topics     []domain.Topic
	Issues     []string
	Questions  []string
	Candidates []string
}

// Invocation is the input to one agent run.
type Invocation struct {
	Kind      Kind
	SessionID string
	ChunkText string
	Context   ContextView
	Turns     []domain.Turn
}

// Response is one element of an agent's output stream. Streaming elements
// carry Delta; the terminal element has Complete set, the full Content, and
// any structured Metadata the agent extracted.
type Response struct {
	Kind     Kind
	Delta    string
	Content  string
	Complete bool
	Metadata *Metadata
	At       time.Time
}

// Metadata is the kind-specific structured payload of a completed agent run.
// Exactly one field is non-nil, matching the response's Kind.
type Metadata struct {
	Validation     *ValidationResult     `json:"validation,omitempty"`
	Clarification  *ClarificationResult  `json:"clarification,omitempty"`
	FollowUp       *FollowUpResult       `json:"follow_up,omitempty"`
	TopicAnalysis  *TopicAnalysisResult  `json:"topic_analysis,omitempty"`
	TopicDiscovery *TopicDiscoveryResult `json:"topic_discovery,omitempty"`
}

// ValidationResult lists problems found in the chunk.
type ValidationResult struct {
	Issues []string `json:"issues"`
}

// ClarificationResult carries questions asking the speaker to clarify.
type ClarificationResult struct {
	Questions []string `json:"questions"`
}

// FollowUpResult ranks candidate next questions, best first.
type FollowUpResult struct {
	Candidates []string `json:"candidates"`
}

// TopicAnalysisResult updates coverage evidence per known topic.
type TopicAnalysisResult struct {
	// Scores maps topic name to the coverage score supported by this chunk.
	Scores map[string]int `json:"scores"`
	// Contradicted marks topics whose prior coverage the chunk explicitly
	// contradicts; only these may be downgraded past the high-water mark.
	Contradicted map[string]bool `json:"contradicted,omitempty"`
	// Novelty is set when the chunk discusses content matching no known
	// topic well; it gates the topic-discovery agent.
	Novelty     bool   `json:"novelty"`
	NoveltyHint string `json:"novelty_hint,omitempty"`
}

// TopicDiscoveryResult proposes topics missing from the known set.
type TopicDiscoveryResult struct {
	NewTopics []string `json:"new_topics"`
}
