package agent

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/abalyn/certflow/internal/llm"
)

// Runner executes one agent invocation and streams its responses. The
// sequence yields incremental deltas and finishes with a single terminal
// response carrying Complete, the full Content, and parsed Metadata. On
// failure it yields a nil response with the error and stops.
type Runner interface {
	Run(ctx context.Context, inv Invocation) iter.Seq2[*Response, error]
}

// LLMRunner runs agents against a chat-completion provider.
type LLMRunner struct {
	client llm.Client
	clock  func() time.Time
}

// NewLLMRunner returns a Runner backed by the given provider client.
func NewLLMRunner(client llm.Client) *LLMRunner {
	return &LLMRunner{client: client, clock: time.Now}
}

func (r *LLMRunner) Run(ctx context.Context, inv Invocation) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if _, ok := systemPrompts[inv.Kind]; !ok {
			yield(nil, fmt.Errorf("unknown agent kind %q", inv.Kind))
			return
		}

		var full strings.Builder
		for delta, err := range r.client.Stream(ctx, buildMessages(inv)) {
			if err != nil {
				yield(nil, fmt.Errorf("agent %s: %w", inv.Kind, err))
				return
			}
			full.WriteString(delta)
			if !yield(&Response{Kind: inv.Kind, Delta: delta, At: r.clock()}, nil) {
				return
			}
		}

		content := full.String()
		md, err := extractMetadata(inv.Kind, content)
		if err != nil {
			yield(nil, fmt.Errorf("agent %s: %w", inv.Kind, err))
			return
		}

		yield(&Response{
			Kind:     inv.Kind,
			Content:  stripMetadata(content),
			Complete: true,
			Metadata: md,
			At:       r.clock(),
		}, nil)
	}
}

// stripMetadata removes the trailing JSON block and any fence around it,
// leaving just the prose answer.
func stripMetadata(content string) string {
	block := trailingJSON(content)
	if block == "" {
		return strings.TrimSpace(content)
	}
	idx := strings.LastIndex(content, block)
	prose := content[:idx]
	prose = strings.TrimSpace(prose)
	prose = strings.TrimSuffix(prose, "```json")
	prose = strings.TrimSuffix(prose, "```")
	return strings.TrimSpace(prose)
}
