package subagent

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders queued tasks. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts "low", "medium" and "high". Anything else is medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateInProgress TaskState = "in_progress"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MessageType is the kind of an outbox message.
type MessageType string

const (
	MessageStatusUpdate MessageType = "status_update"
	MessageCompletion   MessageType = "completion"
	MessageError        MessageType = "error"
)

// Message is one entry of the runtime outbox.
type Message struct {
	TaskID string      `json:"task_id"`
	// WorkItemID is copied from the task params so the scheduler can route
	// the message without a status lookup. Empty for process-level tasks.
	WorkItemID string      `json:"work_item_id,omitempty"`
	Type       MessageType `json:"type"`
	TaskType   string      `json:"task_type"`
	Progress   int         `json:"progress"`
	Content    string      `json:"content,omitempty"`
	Result     any         `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	EnergyCost float64     `json:"energy_cost,omitempty"`
	At         time.Time   `json:"at"`
}

// Metrics is a snapshot of runtime counters.
type Metrics struct {
	Queued          int     `json:"queued"`
	InProgress      int     `json:"in_progress"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	PendingMessages int     `json:"pending_messages"`
	DroppedMessages int     `json:"dropped_messages"`
	PendingEnergy   float64 `json:"pending_energy"`
	TotalEnergy     float64 `json:"total_energy"`
}
