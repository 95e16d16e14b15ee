package classifier

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDefaults(t *testing.T) {
	c := New()
	tests := []struct {
		msg   string
		label Label
		prio  float64
	}{
		{"The build is down, URGENT", LabelUrgent, 3},
		{"Please remind me about the deadline", LabelTask, 1.5},
		{"what time is it", LabelQuestion, 1},
		{"Is this fine?", LabelQuestion, 1},
		{"thanks!", LabelChatter, -1},
		{"I went for a walk", LabelNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := c.Classify(tt.msg)
			assert.Equal(t, tt.label, got.Label)
			assert.Equal(t, tt.prio, got.Priority)
		})
	}
}

func TestFirstRuleWins(t *testing.T) {
	c := New(
		&Rule{Label: "a", Keywords: []string{"deploy"}, Priority: 2},
		&Rule{Label: "b", Keywords: []string{"deploy"}, Priority: 9},
	)
	assert.Equal(t, Label("a"), c.Classify("deploy it").Label)
}

func TestRuleNeedsKeywordAndRegex(t *testing.T) {
	r := &Rule{Keywords: []string{"deploy"}, Regex: regexp.MustCompile(`prod`)}
	assert.True(t, r.Matches("Deploy to PROD"))
	assert.False(t, r.Matches("deploy to staging"))
	assert.False(t, r.Matches("prod is fine"))
	assert.False(t, (&Rule{}).Matches("anything"))
}

func TestAddRule(t *testing.T) {
	c := New(&Rule{Label: "x", Keywords: []string{"zzz"}})
	c.AddRule(&Rule{Label: "y", Keywords: []string{"ping"}, Priority: 4})
	assert.Equal(t, Result{Label: "y", Priority: 4}, c.Classify("ping"))
}
