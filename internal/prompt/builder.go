// Package prompt builds system prompts for effortd.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elecnix/ai-effort-regulation/internal/energy"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

type Mode string

const (
	ModeFull    Mode = "full"
	ModeBrief   Mode = "brief"
	ModeMinimal Mode = "minimal"
)

// ModeFor returns the prompt mode matching an action tier.
func ModeFor(tier energy.Tier) Mode {
	switch tier {
	case energy.TierExpensive:
		return ModeFull
	case energy.TierCheap:
		return ModeBrief
	default:
		return ModeMinimal
	}
}

type Builder struct {
	Identity      string
	MaxEventChars int
	MaxEvents     int
	Timezone      *time.Location
	Now           func() time.Time
}

// SystemContext is what the scheduler knows about the current cycle.
type SystemContext struct {
	Mode     Mode
	Energy   energy.Snapshot
	Tools    []protocol.ToolDefinition
	Events   []string
	Budget   float64
	Consumed float64
	Snoozes  int
}

func NewBuilder() *Builder {
	return &Builder{
		Identity:      "You are a careful assistant whose effort is limited by an energy budget. Spend it where it matters.",
		MaxEventChars: 1500,
		MaxEvents:     8,
		Now:           time.Now,
	}
}

func (b *Builder) BuildSystemPrompt(ctx SystemContext) string {
	if ctx.Mode == ModeMinimal {
		return b.Identity + "\n\nEnergy is exhausted. Reply in one short sentence. Do not call tools."
	}

	var sections []string
	sections = append(sections, "Identity:\n"+b.Identity)
	sections = append(sections, "Energy:\n"+energyLine(ctx.Energy))
	sections = append(sections, "Conversation Control:\n"+controlLine(ctx))

	if ctx.Mode == ModeFull {
		sections = append(sections, "Tooling:\n"+nonEmpty(toolLines(ctx.Tools), "None."))
		sections = append(sections, "Current Date & Time:\n"+b.timeLine())
	} else {
		sections = append(sections, "Be brief. Prefer snoozing over long answers while energy recovers.")
	}

	if events := b.eventSection(ctx.Events); events != "" {
		sections = append(sections, events)
	}
	return strings.Join(sections, "\n\n")
}

func energyLine(s energy.Snapshot) string {
	return fmt.Sprintf("Level %.0f of %.0f (%s), refilling %.1f/s.", s.Level, s.Max, s.Status, s.ReplenishRate)
}

func controlLine(ctx SystemContext) string {
	var bld strings.Builder
	bld.WriteString("Call end_conversation when the user's need is met. ")
	bld.WriteString("Call snooze_conversation when you are waiting on something.")
	if ctx.Budget > 0 {
		fmt.Fprintf(&bld, "\nThis conversation has spent %.1f of its %.1f energy budget.", ctx.Consumed, ctx.Budget)
	}
	if ctx.Snoozes > 0 {
		fmt.Fprintf(&bld, "\nIt has been snoozed %d times in a row.", ctx.Snoozes)
	}
	return bld.String()
}

func toolLines(defs []protocol.ToolDefinition) string {
	if len(defs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(defs))
	for _, d := range defs {
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, d.Description))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (b *Builder) timeLine() string {
	now := b.Now()
	if b.Timezone != nil {
		now = now.In(b.Timezone)
	}
	return now.Format(time.RFC1123)
}

func (b *Builder) eventSection(events []string) string {
	if len(events) == 0 {
		return ""
	}
	if b.MaxEvents > 0 && len(events) > b.MaxEvents {
		events = events[len(events)-b.MaxEvents:]
	}
	var bld strings.Builder
	bld.WriteString("Background Results:\n")
	for _, e := range events {
		if b.MaxEventChars > 0 && len(e) > b.MaxEventChars {
			e = e[:b.MaxEventChars] + " [truncated]"
		}
		bld.WriteString("- ")
		bld.WriteString(e)
		if !strings.HasSuffix(e, "\n") {
			bld.WriteString("\n")
		}
	}
	return strings.TrimSpace(bld.String())
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
