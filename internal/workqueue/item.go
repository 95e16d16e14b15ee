package workqueue

import (
	"time"

	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// Event kinds attached to a work item from background tasks.
const (
	EventStatusUpdate = "status_update"
	EventCompletion   = "completion"
	EventError        = "error"
)

// Event is a background task message attached to a work item.
type Event struct {
	TaskID  string    `json:"task_id"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// WorkItem is one conversation tracked by the queue. Items are owned by the
// scheduler goroutine; callers outside it must use Snapshot.
type WorkItem struct {
	ID              string
	State           protocol.WorkState
	Priority        float64
	PriorityHint    float64
	EnergyBudget    float64
	EnergyConsumed  float64
	SnoozeUntil     time.Time
	BackoffExponent int
	History         []protocol.Exchange
	Events          []Event
	PendingInput    bool
	EndReason       string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastInputAt    time.Time
	LastSelectedAt time.Time

	// wokeAt is set when a snooze expired. It boosts the score until the
	// item is next answered, snoozed or ended.
	wokeAt time.Time
}

// Woke reports whether the item came back from a snooze and has not been
// handled since.
func (w *WorkItem) Woke() bool {
	return !w.wokeAt.IsZero()
}

// OverBudget reports whether the item spent at least its soft energy budget.
func (w *WorkItem) OverBudget() bool {
	return w.EnergyBudget > 0 && w.EnergyConsumed >= w.EnergyBudget
}

// Record converts the item to its persisted form.
func (w *WorkItem) Record() protocol.ConversationRecord {
	history := make([]protocol.Exchange, len(w.History))
	copy(history, w.History)
	return protocol.ConversationRecord{
		ID:           w.ID,
		PriorityHint: w.PriorityHint,
		EnergyBudget: w.EnergyBudget,
		StateChange:  w.StateChange(),
		History:      history,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

// StateChange returns the persisted state fields.
func (w *WorkItem) StateChange() protocol.StateChange {
	return protocol.StateChange{
		State:           w.State,
		SnoozeUntil:     w.SnoozeUntil,
		BackoffExponent: w.BackoffExponent,
		EnergyConsumed:  w.EnergyConsumed,
		EndReason:       w.EndReason,
	}
}

func (w *WorkItem) clone() WorkItem {
	c := *w
	c.History = append([]protocol.Exchange(nil), w.History...)
	c.Events = append([]Event(nil), w.Events...)
	return c
}

// fromRecord rebuilds an item from persistence. An item whose last exchange
// is unanswered user input is marked pending.
func fromRecord(rec protocol.ConversationRecord) *WorkItem {
	item := &WorkItem{
		ID:              rec.ID,
		State:           rec.State,
		PriorityHint:    rec.PriorityHint,
		EnergyBudget:    rec.EnergyBudget,
		EnergyConsumed:  rec.EnergyConsumed,
		SnoozeUntil:     rec.SnoozeUntil,
		BackoffExponent: rec.BackoffExponent,
		History:         append([]protocol.Exchange(nil), rec.History...),
		EndReason:       rec.EndReason,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	for i := len(rec.History) - 1; i >= 0; i-- {
		if rec.History[i].Role == protocol.RoleUser {
			item.LastInputAt = rec.History[i].At
			item.PendingInput = i == len(rec.History)-1
			break
		}
	}
	if item.State == "" {
		item.State = protocol.StateActive
	}
	return item
}
