package orchestrator

import (
	"time"

	"github.com/abalyn/certflow/internal/agent"
)

// EventType discriminates stream events sent to subscribed clients.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventAgentStart    EventType = "agent_start"
	EventAgentStream   EventType = "agent_stream"
	EventAgentComplete EventType = "agent_complete"
	EventContextUpdate EventType = "context_update"
	EventError         EventType = "error"
	EventHeartbeat     EventType = "heartbeat"
)

// StreamEvent is one message on a session's event stream. Only the fields
// relevant to the Type are populated.
type StreamEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`

	// agent_start / agent_stream / agent_complete
	AgentKind agent.Kind `json:"agentKind,omitempty"`
	Content   string     `json:"content,omitempty"`

	// context_update
	Context    *SharedContext `json:"context,omitempty"`
	Suggestion *Suggestion    `json:"suggestion,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Publisher delivers events to a session's subscribers. Delivery is
// best-effort; publishing to a session with no subscribers is a no-op.
type Publisher interface {
	Publish(sessionID string, event StreamEvent)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, StreamEvent) {}
