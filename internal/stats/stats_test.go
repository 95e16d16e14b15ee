package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.RecordCycle()
	c.RecordCycle()
	c.RecordAction(ActionRespond)
	c.RecordAction(ActionSnooze)
	c.RecordAction(ActionRespond)
	c.RecordGeneration(100, 20*time.Millisecond)
	c.RecordGeneration(50, 40*time.Millisecond)
	c.RecordToolCall(false)
	c.RecordToolCall(true)
	c.RecordError()

	s := c.Collect()
	assert.Equal(t, int64(2), s.Cycles)
	assert.Equal(t, int64(2), s.Actions[ActionRespond])
	assert.Equal(t, int64(150), s.TokenCount)
	assert.InDelta(t, 30.0, s.AvgLatencyMs, 0.001)
	assert.Equal(t, int64(1), s.ToolCalls)
	assert.Equal(t, int64(1), s.Offloaded)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.Positive(t, s.Goroutines)
	assert.Equal(t, []string{ActionRespond, ActionSnooze}, c.Actions())
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordCycle()
				c.RecordAction(ActionIdle)
			}
		}()
	}
	wg.Wait()
	s := c.Collect()
	assert.Equal(t, int64(800), s.Cycles)
	assert.Equal(t, int64(800), s.Actions[ActionIdle])
}
