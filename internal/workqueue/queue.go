// Package workqueue tracks conversations as work items and implements their
// active/snoozed/ended state machine with exponential snooze backoff.
package workqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

var (
	// ErrEnded is returned for any transition on an ended item.
	ErrEnded = errors.New("work item has ended")
	// ErrNotFound is returned for unknown item IDs.
	ErrNotFound = errors.New("work item not found")
)

// EndReasonBackoffLimit is recorded when an item is snoozed too many times.
const EndReasonBackoffLimit = "backoff_limit"

// Queue holds all work items. The scheduler goroutine is its only writer; the
// lock lets metrics readers take snapshots.
type Queue struct {
	mu     sync.RWMutex
	items  map[string]*WorkItem
	policy Policy
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(policy Policy, opts ...Option) *Queue {
	if policy.Score == nil {
		policy.Score = DefaultScore
	}
	q := &Queue{
		items:  make(map[string]*WorkItem),
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the queue's policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Deliver records inbound input. It creates an item for an unknown or empty
// ID, reactivates a snoozed one (resetting its backoff), and starts a fresh
// item when the target has ended. It returns the item that received the
// input and whether that item is new.
func (q *Queue) Deliver(in protocol.Inbound) (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	item, ok := q.items[in.ItemID]
	created := false
	if !ok || in.ItemID == "" || item.State == protocol.StateEnded {
		id := in.ItemID
		if id == "" || ok {
			id = uuid.NewString()
		}
		item = &WorkItem{
			ID:        id,
			State:     protocol.StateActive,
			CreatedAt: now,
		}
		q.items[id] = item
		created = true
	}

	if in.PriorityHint != 0 {
		item.PriorityHint = in.PriorityHint
	}
	if in.EnergyBudget > 0 {
		item.EnergyBudget = in.EnergyBudget
	}
	if item.State == protocol.StateSnoozed {
		item.State = protocol.StateActive
		item.SnoozeUntil = time.Time{}
	}
	item.BackoffExponent = 0
	item.History = append(item.History, protocol.Exchange{
		Role:    protocol.RoleUser,
		Content: in.Content,
		At:      now,
	})
	item.PendingInput = true
	item.LastInputAt = now
	item.UpdatedAt = now
	return item, created
}

// Restore loads a persisted record. Existing items with the same ID are
// replaced.
func (q *Queue) Restore(rec protocol.ConversationRecord) *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := fromRecord(rec)
	q.items[item.ID] = item
	return item
}

// Get returns the live item for id.
func (q *Queue) Get(id string) (*WorkItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	return item, ok
}

// Snapshot returns a copy of the item for readers outside the loop.
func (q *Queue) Snapshot(id string) (WorkItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	if !ok {
		return WorkItem{}, false
	}
	return item.clone(), true
}

// WakeExpired returns snoozed items whose snooze has elapsed to active and
// reports their IDs.
func (q *Queue) WakeExpired() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var woke []string
	for _, item := range q.items {
		if item.State == protocol.StateSnoozed && !item.SnoozeUntil.After(now) {
			item.State = protocol.StateActive
			item.SnoozeUntil = time.Time{}
			item.wokeAt = now
			item.UpdatedAt = now
			woke = append(woke, item.ID)
		}
	}
	sort.Strings(woke)
	return woke
}

// NextWake returns the earliest snooze expiry, if any item is snoozed.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var next time.Time
	for _, item := range q.items {
		if item.State != protocol.StateSnoozed {
			continue
		}
		if next.IsZero() || item.SnoozeUntil.Before(next) {
			next = item.SnoozeUntil
		}
	}
	return next, !next.IsZero()
}

// Next recomputes every active item's score and returns the highest, or nil
// when nothing is active. Snoozed and ended items are never returned. Ties
// go to the item selected least recently, then the oldest.
func (q *Queue) Next() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *WorkItem
	for _, item := range q.items {
		if item.State != protocol.StateActive {
			continue
		}
		item.Priority = q.policy.Score(item, now)
		if best == nil || better(item, best) {
			best = item
		}
	}
	if best != nil {
		best.LastSelectedAt = now
	}
	return best
}

func better(a, b *WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.LastSelectedAt.Equal(b.LastSelectedAt) {
		return a.LastSelectedAt.Before(b.LastSelectedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (q *Queue) mutable(id string) (*WorkItem, error) {
	item, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.State == protocol.StateEnded {
		return nil, ErrEnded
	}
	return item, nil
}

// Respond records assistant output and keeps the item active. Pending input
// is cleared.
func (q *Queue) Respond(id string, exchanges ...protocol.Exchange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.mutable(id)
	if err != nil {
		return err
	}
	item.History = append(item.History, exchanges...)
	item.State = protocol.StateActive
	item.PendingInput = false
	item.wokeAt = time.Time{}
	item.UpdatedAt = q.now()
	return nil
}

// Append adds exchanges to the history without changing state.
func (q *Queue) Append(id string, exchanges ...protocol.Exchange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.mutable(id)
	if err != nil {
		return err
	}
	item.History = append(item.History, exchanges...)
	item.UpdatedAt = q.now()
	return nil
}

// Snooze defers the item for Backoff(exponent) and increments the exponent.
// Once MaxSnoozes consecutive snoozes have happened the item is ended with
// EndReasonBackoffLimit instead; ended reports that case.
func (q *Queue) Snooze(id string) (until time.Time, ended bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.mutable(id)
	if err != nil {
		return time.Time{}, false, err
	}
	now := q.now()
	if q.policy.MaxSnoozes > 0 && item.BackoffExponent >= q.policy.MaxSnoozes {
		q.end(item, EndReasonBackoffLimit, now)
		return time.Time{}, true, nil
	}

	until = now.Add(q.policy.Backoff(item.BackoffExponent))
	item.State = protocol.StateSnoozed
	item.SnoozeUntil = until
	item.BackoffExponent++
	item.PendingInput = false
	item.wokeAt = time.Time{}
	item.UpdatedAt = now
	return until, false, nil
}

// End moves the item to the terminal ended state.
func (q *Queue) End(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.mutable(id)
	if err != nil {
		return err
	}
	q.end(item, reason, q.now())
	return nil
}

func (q *Queue) end(item *WorkItem, reason string, now time.Time) {
	item.State = protocol.StateEnded
	item.EndReason = reason
	item.SnoozeUntil = time.Time{}
	item.PendingInput = false
	item.wokeAt = time.Time{}
	item.UpdatedAt = now
}

// Attach adds a background task event to the item. Completion and error
// events mark the item as needing attention and wake it from a snooze.
func (q *Queue) Attach(id string, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.mutable(id)
	if err != nil {
		return err
	}
	now := q.now()
	if ev.At.IsZero() {
		ev.At = now
	}
	item.Events = append(item.Events, ev)
	if ev.Kind == EventCompletion || ev.Kind == EventError {
		item.PendingInput = true
		if item.State == protocol.StateSnoozed {
			item.State = protocol.StateActive
			item.SnoozeUntil = time.Time{}
			item.wokeAt = now
		}
	}
	item.UpdatedAt = now
	return nil
}

// TakeEvents returns and clears the item's unread events.
func (q *Queue) TakeEvents(id string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil
	}
	events := item.Events
	item.Events = nil
	return events
}

// AddEnergy records energy spent on the item. Ended items are left alone.
func (q *Queue) AddEnergy(id string, amount float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, err := q.mutable(id); err == nil && amount > 0 {
		item.EnergyConsumed += amount
	}
}

// Counts returns the number of items per state.
func (q *Queue) Counts() map[protocol.WorkState]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := map[protocol.WorkState]int{
		protocol.StateActive:  0,
		protocol.StateSnoozed: 0,
		protocol.StateEnded:   0,
	}
	for _, item := range q.items {
		counts[item.State]++
	}
	return counts
}

// List returns snapshots of all items ordered by creation time.
func (q *Queue) List() []WorkItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]WorkItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
