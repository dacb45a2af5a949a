package orchestrator

import (
	"strings"
	"time"

	"github.com/abalyn/certflow/internal/agent"
	"github.com/abalyn/certflow/internal/domain"
)

// SharedContext is the per-session analysis aggregate. The orchestrator is
// its only writer; everyone else works from clones.
type SharedContext struct {
	Version    int            `json:"version"`
	Topics     []domain.Topic `json:"topics"`
	Issues     []string       `json:"issues"`
	Questions  []string       `json:"questions"`
	Candidates []string       `json:"candidates"`
	UpdatedAt  time.Time      `json:"updated_at"`

	Turns *domain.TurnRing `json:"-"`
}

// NewSharedContext seeds a context at version 0 with the session's topics.
func NewSharedContext(topics []domain.Topic, ringCap int) *SharedContext {
	owned := make([]domain.Topic, len(topics))
	copy(owned, topics)
	return &SharedContext{
		Topics: owned,
		Turns:  domain.NewTurnRing(ringCap),
	}
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (c *SharedContext) Clone() *SharedContext {
	out := &SharedContext{
		Version:    c.Version,
		Topics:     append([]domain.Topic(nil), c.Topics...),
		Issues:     append([]string(nil), c.Issues...),
		Questions:  append([]string(nil), c.Questions...),
		Candidates: append([]string(nil), c.Candidates...),
		UpdatedAt:  c.UpdatedAt,
	}
	if c.Turns != nil {
		out.Turns = c.Turns.Clone()
	}
	return out
}

// View builds the read-only snapshot handed to agents.
func (c *SharedContext) View() agent.ContextView {
	return agent.ContextView{
		Version:    c.Version,
		Topics:     append([]domain.Topic(nil), c.Topics...),
		Issues:     append([]string(nil), c.Issues...),
		Questions:  append([]string(nil), c.Questions...),
		Candidates: append([]string(nil), c.Candidates...),
	}
}

// Delta is the accumulated contribution of one chunk's agents, folded from
// their responses before a single merge. Each agent kind writes disjoint
// fields, so folding is order-independent.
type Delta struct {
	Scores        map[string]int
	Contradicted  map[string]bool
	Issues        []string
	Questions     []string
	Candidates    []string
	HasCandidates bool
	NewTopics     []string
}

// Fold records one completed agent response into the delta.
func (d *Delta) Fold(resp *agent.Response) {
	if resp == nil || resp.Metadata == nil {
		return
	}
	md := resp.Metadata
	switch {
	case md.Validation != nil:
		d.Issues = append(d.Issues, md.Validation.Issues...)
	case md.Clarification != nil:
		d.Questions = append(d.Questions, md.Clarification.Questions...)
	case md.FollowUp != nil:
		d.Candidates = md.FollowUp.Candidates
		d.HasCandidates = true
	case md.TopicAnalysis != nil:
		if d.Scores == nil {
			d.Scores = make(map[string]int)
		}
		for name, score := range md.TopicAnalysis.Scores {
			if cur, ok := d.Scores[name]; !ok || score > cur {
				d.Scores[name] = score
			}
		}
		for name, hit := range md.TopicAnalysis.Contradicted {
			if hit {
				if d.Contradicted == nil {
					d.Contradicted = make(map[string]bool)
				}
				d.Contradicted[name] = true
			}
		}
	case md.TopicDiscovery != nil:
		d.NewTopics = append(d.NewTopics, md.TopicDiscovery.NewTopics...)
	}
}

// Empty reports whether the delta carries no information at all.
func (d *Delta) Empty() bool {
	return len(d.Scores) == 0 && len(d.Issues) == 0 && len(d.Questions) == 0 &&
		!d.HasCandidates && len(d.NewTopics) == 0
}

// MergeRules holds the tunables the merge consults.
type MergeRules struct {
	BrieflyAt     int
	HighWaterMark int
}

// Merge folds a chunk's delta into the context and bumps the version.
// Coverage scores move only upward unless the delta marks the topic as
// contradicted. Issues and questions accumulate as deduplicated sets;
// candidates are replaced wholesale when the delta carries any.
func (c *SharedContext) Merge(delta *Delta, rules MergeRules, now time.Time) {
	for i := range c.Topics {
		t := &c.Topics[i]
		score, ok := delta.Scores[t.Name]
		if !ok {
			continue
		}
		score = domain.ClampScore(score)
		if score > t.Score || delta.Contradicted[t.Name] {
			t.Score = score
			t.Status = domain.StatusForScore(score, rules.BrieflyAt, rules.HighWaterMark)
		}
	}
	for _, name := range delta.NewTopics {
		if c.hasTopic(name) {
			continue
		}
		c.Topics = append(c.Topics, domain.Topic{
			Name:   name,
			Status: domain.TopicNotDiscussed,
		})
	}

	c.Issues = appendDistinct(c.Issues, delta.Issues)
	c.Questions = appendDistinct(c.Questions, delta.Questions)
	if delta.HasCandidates {
		c.Candidates = append([]string(nil), delta.Candidates...)
	}

	c.Version++
	c.UpdatedAt = now
}

func (c *SharedContext) hasTopic(name string) bool {
	for _, t := range c.Topics {
		if strings.EqualFold(strings.TrimSpace(t.Name), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// appendDistinct appends the additions whose normalized form is not already
// present, preserving first-seen order.
func appendDistinct(existing, additions []string) []string {
	if len(additions) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(additions))
	for _, s := range existing {
		seen[normalize(s)] = struct{}{}
	}
	for _, s := range additions {
		key := normalize(s)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, strings.TrimSpace(s))
	}
	return existing
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
