package classifier

import "regexp"

// DefaultRules returns the stock rule set. Priorities are small offsets on
// the queue score scale, where a pending message is worth 5 hint units.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Label:    LabelUrgent,
			Keywords: []string{"urgent", "asap", "emergency", "immediately", "right now", "critical", "outage"},
			Priority: 3,
		},
		{
			Label:    LabelTask,
			Keywords: []string{"remind", "deadline", "due ", "schedule", "follow up", "todo"},
			Priority: 1.5,
		},
		{
			Label:    LabelQuestion,
			Regex:    regexp.MustCompile(`\?\s*$|^(who|what|when|where|why|how|can|could|is|are|do|does)\b`),
			Priority: 1,
		},
		{
			Label:    LabelChatter,
			Regex:    regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|ok|okay|cool|lol)[.!]*$`),
			Priority: -1,
		},
	}
}
