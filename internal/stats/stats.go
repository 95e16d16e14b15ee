// Package stats provides runtime statistics tracking for effortd.
package stats

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Action kinds counted by the collector.
const (
	ActionRespond = "respond"
	ActionSnooze  = "snooze"
	ActionEnd     = "end"
	ActionMinimal = "minimal"
	ActionDefer   = "defer"
	ActionIdle    = "idle"
)

// Collector collects and tracks scheduler statistics. It is safe for
// concurrent use.
type Collector struct {
	mu            sync.Mutex
	startTime     time.Time
	cycles        int64
	actions       map[string]int64
	generations   int64
	tokenCount    int64
	toolCalls     int64
	offloaded     int64
	errorCount    int64
	totalDuration int64 // nanoseconds
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		actions:   make(map[string]int64),
	}
}

// Stats represents scheduler statistics at a point in time.
type Stats struct {
	// Process resources
	MemoryStats MemoryStats `json:"memory"`
	Goroutines  int         `json:"goroutines"`
	Uptime      string      `json:"uptime"`

	// Loop metrics
	Cycles       int64            `json:"cycles"`
	Actions      map[string]int64 `json:"actions"`
	Generations  int64            `json:"generations"`
	TokenCount   int64            `json:"token_count"`
	ToolCalls    int64            `json:"tool_calls"`
	Offloaded    int64            `json:"offloaded_tool_calls"`
	ErrorCount   int64            `json:"error_count"`
	AvgLatencyMs float64          `json:"avg_generation_latency_ms"`
}

// MemoryStats represents memory usage statistics.
type MemoryStats struct {
	HeapAllocMB  float64       `json:"heap_alloc_mb"`
	HeapInuseMB  float64       `json:"heap_inuse_mb"`
	StackInuseMB float64       `json:"stack_inuse_mb"`
	NumGC        uint32        `json:"num_gc"`
	GCPauseTotal time.Duration `json:"gc_pause_total"`
}

// Collect returns current statistics.
func (c *Collector) Collect() *Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.mu.Lock()
	defer c.mu.Unlock()

	avgLatency := float64(0)
	if c.generations > 0 {
		avgLatency = float64(c.totalDuration) / float64(c.generations) / 1e6 // nanos to millis
	}
	actions := make(map[string]int64, len(c.actions))
	for k, v := range c.actions {
		actions[k] = v
	}

	return &Stats{
		MemoryStats: MemoryStats{
			HeapAllocMB:  bytesToMB(m.HeapAlloc),
			HeapInuseMB:  bytesToMB(m.HeapInuse),
			StackInuseMB: bytesToMB(m.StackInuse),
			NumGC:        m.NumGC,
			GCPauseTotal: time.Duration(m.PauseTotalNs),
		},
		Goroutines:   runtime.NumGoroutine(),
		Uptime:       time.Since(c.startTime).Round(time.Second).String(),
		Cycles:       c.cycles,
		Actions:      actions,
		Generations:  c.generations,
		TokenCount:   c.tokenCount,
		ToolCalls:    c.toolCalls,
		Offloaded:    c.offloaded,
		ErrorCount:   c.errorCount,
		AvgLatencyMs: avgLatency,
	}
}

// RecordCycle records one scheduler cycle.
func (c *Collector) RecordCycle() {
	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()
}

// RecordAction records the action taken in a cycle.
func (c *Collector) RecordAction(kind string) {
	c.mu.Lock()
	c.actions[kind]++
	c.mu.Unlock()
}

// RecordGeneration records a completed generation.
func (c *Collector) RecordGeneration(tokens int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations++
	c.tokenCount += int64(tokens)
	c.totalDuration += duration.Nanoseconds()
}

// RecordToolCall records a tool call, synchronous or offloaded.
func (c *Collector) RecordToolCall(offloaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offloaded {
		c.offloaded++
		return
	}
	c.toolCalls++
}

// RecordError records an error.
func (c *Collector) RecordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// Actions returns the recorded action kinds in sorted order.
func (c *Collector) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.actions))
	for k := range c.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StartTime returns when the collector started.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
