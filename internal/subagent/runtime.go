package subagent

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
)

// Options configures a Runtime.
type Options struct {
	// EnergyPerSecond converts task wall-clock time into energy.
	EnergyPerSecond float64
	// OutboxSize bounds undelivered messages. The oldest is dropped when full.
	OutboxSize int
	// RetainFinished bounds how many terminal tasks stay queryable.
	RetainFinished int

	Logger *slog.Logger
	Now    func() time.Time
}

// Runtime executes queued tasks one at a time. All methods are safe for
// concurrent use; polls never block on a running task.
type Runtime struct {
	reg    *Registry
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	queue    taskHeap
	tasks    map[string]*Task
	finished []string
	seq      uint64
	running  *Task

	outbox  []Message
	dropped int

	pendingEnergy float64
	totalEnergy   float64
	counts        map[TaskState]int

	wake  chan struct{}
	ready chan struct{}
}

// New creates a runtime dispatching to reg.
func New(reg *Registry, optFns ...func(o *Options)) *Runtime {
	opts := Options{
		EnergyPerSecond: 2,
		OutboxSize:      1000,
		RetainFinished:  1000,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OutboxSize < 1 {
		opts.OutboxSize = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if reg == nil {
		reg = NewRegistry()
	}

	return &Runtime{
		reg:    reg,
		opts:   opts,
		logger: logging.Component(opts.Logger, "subagent"),
		tasks:  make(map[string]*Task),
		counts: make(map[TaskState]int),
		wake:   make(chan struct{}, 1),
		ready:  make(chan struct{}, 1),
	}
}

// Registry returns the handler registry.
func (r *Runtime) Registry() *Registry { return r.reg }

// QueueRequest queues a task and returns its ID. A "work_item_id" string
// param links the task's messages to a work item.
func (r *Runtime) QueueRequest(taskType string, params map[string]any, priority Priority) string {
	r.mu.Lock()
	r.seq++
	t := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Priority:  priority,
		State:     StateQueued,
		CreatedAt: r.opts.Now(),
		seq:       r.seq,
	}
	t.WorkItemID = t.StringParam(ParamWorkItemID)
	r.tasks[t.ID] = t
	heap.Push(&r.queue, t)
	r.counts[StateQueued]++
	r.mu.Unlock()

	r.logger.Debug("task queued", "task", t.ID, "type", taskType, "priority", priority)
	r.signal(r.wake)
	return t.ID
}

// GetStatus returns a copy of the task.
func (r *Runtime) GetStatus(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Cancel withdraws a queued task. It reports false when the task is unknown,
// already running or finished; a running task is never interrupted.
func (r *Runtime) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.State != StateQueued || !r.queue.remove(t) {
		return false
	}
	r.finish(t, StateCancelled, r.opts.Now())
	r.push(Message{
		TaskID:     t.ID,
		WorkItemID: t.WorkItemID,
		Type:       MessageStatusUpdate,
		TaskType:   t.Type,
		Content:    "cancelled",
		At:         t.FinishedAt,
	})
	return true
}

// PollMessages drains the outbox.
func (r *Runtime) PollMessages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.outbox
	r.outbox = nil
	return msgs
}

// PollEnergy returns the energy spent since the last poll and resets it.
func (r *Runtime) PollEnergy() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.pendingEnergy
	r.pendingEnergy = 0
	return e
}

// HasActiveWork reports whether a task is queued or running.
func (r *Runtime) HasActiveWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running != nil || r.queue.Len() > 0
}

// GetMetrics returns a snapshot of the runtime counters.
func (r *Runtime) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Queued:          r.counts[StateQueued],
		InProgress:      r.counts[StateInProgress],
		Completed:       r.counts[StateCompleted],
		Failed:          r.counts[StateFailed],
		Cancelled:       r.counts[StateCancelled],
		PendingMessages: len(r.outbox),
		DroppedMessages: r.dropped,
		PendingEnergy:   r.pendingEnergy,
		TotalEnergy:     r.totalEnergy,
	}
}

// Ready is signaled whenever a message is added to the outbox.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Step executes the highest-priority queued task to completion and reports
// whether one ran.
func (r *Runtime) Step(ctx context.Context) bool {
	r.mu.Lock()
	if r.queue.Len() == 0 {
		r.mu.Unlock()
		return false
	}
	t := heap.Pop(&r.queue).(*Task)
	start := r.opts.Now()
	r.counts[StateQueued]--
	r.counts[StateInProgress]++
	t.State = StateInProgress
	t.StartedAt = start
	r.running = t
	r.push(Message{
		TaskID:     t.ID,
		WorkItemID: t.WorkItemID,
		Type:       MessageStatusUpdate,
		TaskType:   t.Type,
		Content:    "started",
		At:         start,
	})
	view := t.clone()
	r.mu.Unlock()

	result, err := r.execute(ctx, &view)

	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.opts.Now()
	elapsed := end.Sub(start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	cost := elapsed * r.opts.EnergyPerSecond
	t.EnergyCost = cost
	r.pendingEnergy += cost
	r.totalEnergy += cost
	r.running = nil

	msg := Message{
		TaskID:     t.ID,
		WorkItemID: t.WorkItemID,
		TaskType:   t.Type,
		EnergyCost: cost,
		At:         end,
	}
	if err != nil {
		t.Error = err.Error()
		r.finish(t, StateFailed, end)
		msg.Type = MessageError
		msg.Progress = t.Progress
		msg.Error = t.Error
		r.logger.Warn("task failed", "task", t.ID, "type", t.Type, "energy", cost, logging.Err(err))
	} else {
		t.Result = result
		t.Progress = 100
		r.finish(t, StateCompleted, end)
		msg.Type = MessageCompletion
		msg.Progress = 100
		msg.Result = result
		r.logger.Debug("task completed", "task", t.ID, "type", t.Type, "energy", cost)
	}
	r.push(msg)
	return true
}

// Run steps through queued tasks until ctx is done, waiting for new work when
// idle.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		for r.Step(ctx) {
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		}
	}
}

func (r *Runtime) execute(ctx context.Context, t *Task) (result any, err error) {
	h, ok := r.reg.Get(t.Type)
	if !ok {
		return nil, apperrors.Permanent(apperrors.CodeTaskUnknownType, "no handler for task type "+t.Type)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task handler panicked", "task", t.ID, "type", t.Type, "panic", p, "stack", string(debug.Stack()))
			err = apperrors.System(apperrors.CodeTaskPanicked, fmt.Sprintf("handler panicked: %v", p))
		}
	}()

	progress := func(pct int, content string) {
		pct = min(max(pct, 0), 100)
		r.mu.Lock()
		defer r.mu.Unlock()
		if live, ok := r.tasks[t.ID]; ok {
			live.Progress = pct
		}
		r.push(Message{
			TaskID:     t.ID,
			WorkItemID: t.WorkItemID,
			Type:       MessageStatusUpdate,
			TaskType:   t.Type,
			Progress:   pct,
			Content:    content,
			At:         r.opts.Now(),
		})
	}
	return h.Handle(ctx, t, progress)
}

// finish moves t to a terminal state. The caller holds r.mu.
func (r *Runtime) finish(t *Task, state TaskState, at time.Time) {
	r.counts[t.State]--
	r.counts[state]++
	t.State = state
	t.FinishedAt = at

	r.finished = append(r.finished, t.ID)
	if r.opts.RetainFinished > 0 && len(r.finished) > r.opts.RetainFinished {
		drop := len(r.finished) - r.opts.RetainFinished
		for _, id := range r.finished[:drop] {
			delete(r.tasks, id)
		}
		r.finished = append([]string(nil), r.finished[drop:]...)
	}
}

// push appends to the outbox, dropping the oldest message when full. The
// caller holds r.mu.
func (r *Runtime) push(m Message) {
	if len(r.outbox) >= r.opts.OutboxSize {
		drop := len(r.outbox) - r.opts.OutboxSize + 1
		r.outbox = r.outbox[drop:]
		r.dropped += drop
	}
	r.outbox = append(r.outbox, m)
	r.signal(r.ready)
}

func (r *Runtime) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
