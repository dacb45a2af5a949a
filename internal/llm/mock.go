package llm

import (
	"context"
	"iter"
	"sync"
)

// MockClient is a scripted Client for tests. Each Stream call consumes the
// next scripted reply, split into deltas; an Err entry makes the stream fail
// after emitting its deltas.
type MockClient struct {
	mu      sync.Mutex
	replies []MockReply
	calls   int
}

// MockReply is one scripted provider response.
type MockReply struct {
	Deltas []string
	Err    error
}

// NewMockClient creates a mock with the given scripted replies. When the
// script runs out, further calls return an empty stream.
func NewMockClient(replies ...MockReply) *MockClient {
	return &MockClient{replies: replies}
}

// Calls returns how many Stream invocations have happened.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Stream implements Client.
func (m *MockClient) Stream(ctx context.Context, _ []Message) iter.Seq2[string, error] {
	m.mu.Lock()
	var reply MockReply
	if m.calls < len(m.replies) {
		reply = m.replies[m.calls]
	}
	m.calls++
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, d := range reply.Deltas {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			default:
			}
			if !yield(d, nil) {
				return
			}
		}
		if reply.Err != nil {
			yield("", reply.Err)
		}
	}
}

// BlockingClient is a Client whose streams block until the context is done,
// for exercising timeout paths.
type BlockingClient struct{}

// Stream implements Client; it yields nothing until ctx expires.
func (BlockingClient) Stream(ctx context.Context, _ []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		<-ctx.Done()
		yield("", ctx.Err())
	}
}
