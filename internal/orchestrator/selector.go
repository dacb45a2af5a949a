package orchestrator

// Suggestion is the single next utterance surfaced to the interviewer.
type Suggestion struct {
	Source string `json:"source"` // "issue", "clarification", or "follow_up"
	Text   string `json:"text"`
}

// SelectResponse picks the best next utterance from the merged context by
// strict precedence: unresolved validation issue, then pending
// clarification, then follow-up candidate. The highest non-empty category
// wins outright; within a category the most recent entry is used, except
// follow-up candidates which are ranked best-first.
func SelectResponse(ctx *SharedContext) *Suggestion {
	if n := len(ctx.Issues); n > 0 {
		return &Suggestion{Source: "issue", Text: ctx.Issues[n-1]}
	}
	if n := len(ctx.Questions); n > 0 {
		return &Suggestion{Source: "clarification", Text: ctx.Questions[n-1]}
	}
	if len(ctx.Candidates) > 0 {
		return &Suggestion{Source: "follow_up", Text: ctx.Candidates[0]}
	}
	return nil
}
