package subagent

import (
	"container/heap"
	"time"
)

// ParamWorkItemID is the params key linking a task to its work item.
const ParamWorkItemID = "work_item_id"

// Task is a unit of background work.
type Task struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   Priority       `json:"priority"`
	State      TaskState      `json:"state"`
	Progress   int            `json:"progress"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	EnergyCost float64        `json:"energy_cost"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`

	seq   uint64
	index int
}

// StringParam returns a param as a string, or "" when missing or not a string.
func (t *Task) StringParam(key string) string {
	s, _ := t.Params[key].(string)
	return s
}

// IntParam returns a numeric param, accepting the float64 JSON decoding produces.
func (t *Task) IntParam(key string, def int) int {
	switch v := t.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func (t *Task) clone() Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	c.index = -1
	return c
}

// taskHeap orders queued tasks by priority, then submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *taskHeap) remove(t *Task) bool {
	if t.index < 0 || t.index >= h.Len() || (*h)[t.index] != t {
		return false
	}
	heap.Remove(h, t.index)
	return true
}
