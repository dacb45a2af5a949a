package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/abalyn/certflow/internal/domain"
)

// extractMetadata pulls the trailing JSON object out of a completed agent
// answer and decodes it for the given kind. Model output is sloppy, so the
// raw block goes through jsonrepair before unmarshalling. A missing or
// unrecoverable block is an error; the caller treats it as agent failure.
func extractMetadata(kind Kind, content string) (*Metadata, error) {
	raw := trailingJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no metadata block in %s output", kind)
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair %s metadata: %w", kind, err)
	}

	md := &Metadata{}
	switch kind {
	case KindValidation:
		r := &ValidationResult{}
		if err := json.Unmarshal([]byte(repaired), r); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
		md.Validation = r
	case KindClarification:
		r := &ClarificationResult{}
		if err := json.Unmarshal([]byte(repaired), r); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
		md.Clarification = r
	case KindFollowUp:
		r := &FollowUpResult{}
		if err := json.Unmarshal([]byte(repaired), r); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
		md.FollowUp = r
	case KindTopicAnalysis:
		r := &TopicAnalysisResult{}
		if err := json.Unmarshal([]byte(repaired), r); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
		for name, score := range r.Scores {
			r.Scores[name] = domain.ClampScore(score)
		}
		md.TopicAnalysis = r
	case KindTopicDiscovery:
		r := &TopicDiscoveryResult{}
		if err := json.Unmarshal([]byte(repaired), r); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
		md.TopicDiscovery = r
	default:
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return md, nil
}

// trailingJSON returns the last top-level {...} block in s, tolerating a
// markdown code fence around it. Brace matching skips braces inside
// string literals.
func trailingJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")

	start, depth := -1, 0
	inString, escaped := false, false
	lastStart, lastEnd := -1, -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					lastStart, lastEnd = start, i
				}
			}
		}
	}
	if lastStart < 0 {
		return ""
	}
	return s[lastStart : lastEnd+1]
}
