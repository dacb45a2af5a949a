package agent

import (
	"fmt"
	"strings"

	"github.com/abalyn/certflow/internal/domain"
	"github.com/abalyn/certflow/internal/llm"
)

const metadataInstruction = `After your answer, output a final line containing only a JSON object with the structured result. Do not wrap it in a code fence.`

var systemPrompts = map[Kind]string{
	KindValidation: `You review a live certification interview transcript for problems: contradictions with earlier statements, factual errors, or claims inconsistent with the procedure under examination. Be brief and name only real problems.
` + metadataInstruction + `
JSON shape: {"issues": ["..."]}. Use an empty list when the chunk is fine.`,

	KindClarification: `You help a certification examiner by phrasing clarification questions for flagged problems in the candidate's last statement. Ask only about the listed issues, one short question each.
` + metadataInstruction + `
JSON shape: {"questions": ["..."]}`,

	KindFollowUp: `You suggest the examiner's next question in a certification interview. Prefer topics that are not yet thoroughly covered and build on what was just said. Offer up to three candidates, best first.
` + metadataInstruction + `
JSON shape: {"candidates": ["..."]}`,

	KindTopicAnalysis: `You score how thoroughly the candidate's latest statement covers each known topic, on a 0-100 scale. Score only topics the statement gives evidence for. Mark a topic as contradicted only if the statement directly conflicts with previously established coverage. Set novelty when the statement substantially discusses something matching no known topic.
` + metadataInstruction + `
JSON shape: {"scores": {"topic": 0}, "contradicted": {"topic": true}, "novelty": false, "novelty_hint": ""}`,

	KindTopicDiscovery: `You identify examination topics that the conversation has reached but the known topic list misses. Propose concise topic names, no duplicates of known topics.
` + metadataInstruction + `
JSON shape: {"new_topics": ["..."]}`,
}

// buildMessages assembles the chat for one invocation: system prompt,
// context summary, recent turns, then the chunk under analysis.
func buildMessages(inv Invocation) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompts[inv.Kind]}}

	var ctx strings.Builder
	if len(inv.Context.Topics) > 0 {
		ctx.WriteString("Known topics:\n")
		for _, t := range inv.Context.Topics {
			fmt.Fprintf(&ctx, "- %s (%s, score %d)\n", t.Name, t.Status, t.Score)
		}
	}
	if len(inv.Context.Issues) > 0 && (inv.Kind == KindClarification || inv.Kind == KindValidation) {
		ctx.WriteString("Open issues:\n")
		for _, is := range inv.Context.Issues {
			fmt.Fprintf(&ctx, "- %s\n", is)
		}
	}
	if len(inv.Context.Candidates) > 0 && inv.Kind == KindFollowUp {
		ctx.WriteString("Previously suggested questions:\n")
		for _, c := range inv.Context.Candidates {
			fmt.Fprintf(&ctx, "- %s\n", c)
		}
	}
	if ctx.Len() > 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: ctx.String()})
	}

	for _, turn := range inv.Turns {
		role := "user"
		if turn.Role == domain.RoleInterviewer {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Text})
	}

	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: "Latest statement:\n" + inv.ChunkText,
	})
	return msgs
}
