package domain

// TopicStatus describes how thoroughly a topic has been discussed.
type TopicStatus string

const (
	// TopicNotDiscussed means no chunk has touched the topic yet.
	TopicNotDiscussed TopicStatus = "not_discussed"
	// TopicBrieflyDiscussed means the topic was mentioned but not explored.
	TopicBrieflyDiscussed TopicStatus = "briefly_discussed"
	// TopicThoroughlyCovered means the topic is considered done.
	TopicThoroughlyCovered TopicStatus = "thoroughly_covered"
)

// Topic is one subject the interview must cover, with its coverage state.
type Topic struct {
	Name   string      `json:"name"`
	Status TopicStatus `json:"status"`
	Score  int         `json:"score"` // 0-100
}

// StatusForScore maps a coverage score into a status band.
// brieflyAt and thoroughAt are the configured band boundaries.
func StatusForScore(score, brieflyAt, thoroughAt int) TopicStatus {
	switch {
	case score >= thoroughAt:
		return TopicThoroughlyCovered
	case score >= brieflyAt:
		return TopicBrieflyDiscussed
	default:
		return TopicNotDiscussed
	}
}

// ClampScore bounds a coverage score to the 0-100 range.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
