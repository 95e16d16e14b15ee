package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/elecnix/ai-effort-regulation/internal/energy"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeFull, ModeFor(energy.TierExpensive))
	assert.Equal(t, ModeBrief, ModeFor(energy.TierCheap))
	assert.Equal(t, ModeMinimal, ModeFor(energy.TierMinimal))
}

func TestBuildFullPrompt(t *testing.T) {
	b := NewBuilder()
	b.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	out := b.BuildSystemPrompt(SystemContext{
		Mode:     ModeFull,
		Energy:   energy.Snapshot{Level: 82, Max: 100, Status: energy.StatusHigh, ReplenishRate: 10},
		Tools:    []protocol.ToolDefinition{{Name: "weather_forecast", Description: "Forecast"}},
		Events:   []string{"task t1 completed: 21C"},
		Budget:   20,
		Consumed: 4,
		Snoozes:  2,
	})

	assert.Contains(t, out, "Level 82 of 100 (high)")
	assert.Contains(t, out, "- weather_forecast: Forecast")
	assert.Contains(t, out, "4.0 of its 20.0 energy budget")
	assert.Contains(t, out, "snoozed 2 times")
	assert.Contains(t, out, "Background Results:\n- task t1 completed: 21C")
	assert.Contains(t, out, "02 Jan 2026")
}

func TestBuildBriefOmitsTools(t *testing.T) {
	out := NewBuilder().BuildSystemPrompt(SystemContext{
		Mode:  ModeBrief,
		Tools: []protocol.ToolDefinition{{Name: "weather_forecast"}},
	})
	assert.NotContains(t, out, "weather_forecast")
	assert.Contains(t, out, "Be brief")
}

func TestBuildMinimal(t *testing.T) {
	out := NewBuilder().BuildSystemPrompt(SystemContext{Mode: ModeMinimal, Events: []string{"x"}})
	assert.Contains(t, out, "Do not call tools")
	assert.NotContains(t, out, "Background Results")
}

func TestEventsAreBounded(t *testing.T) {
	b := NewBuilder()
	b.MaxEvents = 2
	b.MaxEventChars = 5

	out := b.BuildSystemPrompt(SystemContext{
		Mode:   ModeBrief,
		Events: []string{"first", "second", strings.Repeat("z", 20)},
	})
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "- secon [truncated]")
	assert.Contains(t, out, "- zzzzz [truncated]")
}
