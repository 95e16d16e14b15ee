// Package cost tracks where energy is spent.
package cost

import (
	"sort"
	"sync"
	"time"
)

// Energy sources.
const (
	SourceGeneration = "generation"
	SourceTool       = "tool"
	SourceSubAgent   = "subagent"
)

// Tracker accumulates energy spend by source and by model. It is safe for
// concurrent use.
type Tracker struct {
	mu    sync.Mutex
	now   func() time.Time
	daily *DailyStats
	total *Totals
}

// Totals is spend since the tracker started.
type Totals struct {
	BySource map[string]float64 `json:"by_source"`
	ByModel  map[string]float64 `json:"by_model"`
	Tokens   int                `json:"tokens"`
	Events   int                `json:"events"`
}

// DailyStats is spend for a single day.
type DailyStats struct {
	Date string `json:"date"`
	Totals
}

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	Total Totals     `json:"total"`
	Today DailyStats `json:"today"`
}

func newTotals() Totals {
	return Totals{BySource: make(map[string]float64), ByModel: make(map[string]float64)}
}

// NewTracker creates a new cost tracker.
func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	total := newTotals()
	t.total = &total
	t.daily = &DailyStats{Date: t.today(), Totals: newTotals()}
	return t
}

func (t *Tracker) today() string {
	return t.now().Format("2006-01-02")
}

// Record adds energy spent by source. Non-positive amounts are ignored.
func (t *Tracker) Record(source string, energy float64) {
	t.RecordModel(source, "", 0, energy)
}

// RecordModel adds energy spent by source on a model generation.
func (t *Tracker) RecordModel(source, model string, tokens int, energy float64) {
	if !(energy > 0) && tokens == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if d := t.today(); d != t.daily.Date {
		t.daily = &DailyStats{Date: d, Totals: newTotals()}
	}
	for _, tot := range []*Totals{t.total, &t.daily.Totals} {
		if energy > 0 {
			tot.BySource[source] += energy
			if model != "" {
				tot.ByModel[model] += energy
			}
		}
		tot.Tokens += tokens
		tot.Events++
	}
}

// Total returns the lifetime energy spent across all sources.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := 0.0
	for _, v := range t.total.BySource {
		sum += v
	}
	return sum
}

// Sources returns the sources seen so far in sorted order.
func (t *Tracker) Sources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.total.BySource))
	for k := range t.total.BySource {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Total: copyTotals(*t.total),
		Today: DailyStats{Date: t.daily.Date, Totals: copyTotals(t.daily.Totals)},
	}
}

// ResetDaily resets daily stats.
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.daily = &DailyStats{Date: t.today(), Totals: newTotals()}
}

func copyTotals(in Totals) Totals {
	out := newTotals()
	for k, v := range in.BySource {
		out.BySource[k] = v
	}
	for k, v := range in.ByModel {
		out.ByModel[k] = v
	}
	out.Tokens = in.Tokens
	out.Events = in.Events
	return out
}
