// Package classifier infers a priority hint for inbound messages that arrive
// without one. Matching is rule-based: keyword sets optionally narrowed by a
// regular expression. The first matching rule wins.
package classifier

import (
	"regexp"
	"strings"
)

// Label names a class of message.
type Label string

const (
	LabelUrgent   Label = "urgent"
	LabelQuestion Label = "question"
	LabelTask     Label = "task"
	LabelChatter  Label = "chatter"
	LabelNone     Label = ""
)

// Rule maps matching messages to a priority hint.
type Rule struct {
	Label    Label
	Keywords []string
	// Regex, when set, must also match the lowercased message.
	Regex    *regexp.Regexp
	Priority float64
}

// Matches reports whether the rule applies to message.
func (r *Rule) Matches(message string) bool {
	msg := strings.ToLower(message)
	if len(r.Keywords) > 0 {
		hit := false
		for _, kw := range r.Keywords {
			if strings.Contains(msg, kw) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if r.Regex != nil {
		return r.Regex.MatchString(msg)
	}
	return len(r.Keywords) > 0
}

// Result is the outcome of classifying one message.
type Result struct {
	Label    Label
	Priority float64
}

// Classifier applies rules in order.
type Classifier struct {
	rules []*Rule
}

// New creates a classifier. With no rules it uses DefaultRules.
func New(rules ...*Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the first matching rule's label and priority, or a zero
// Result when nothing matches.
func (c *Classifier) Classify(message string) Result {
	for _, r := range c.rules {
		if r.Matches(message) {
			return Result{Label: r.Label, Priority: r.Priority}
		}
	}
	return Result{}
}

// AddRule appends a rule after the existing ones.
func (c *Classifier) AddRule(r *Rule) {
	c.rules = append(c.rules, r)
}
