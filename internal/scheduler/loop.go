// Package scheduler runs the cognitive loop: each cycle it settles energy,
// collects background results, picks one work item and acts on it within the
// effort the energy level allows.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/elecnix/ai-effort-regulation/internal/agent"
	"github.com/elecnix/ai-effort-regulation/internal/cost"
	"github.com/elecnix/ai-effort-regulation/internal/energy"
	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/internal/memory"
	"github.com/elecnix/ai-effort-regulation/internal/stats"
	"github.com/elecnix/ai-effort-regulation/internal/subagent"
	"github.com/elecnix/ai-effort-regulation/internal/workqueue"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// Runtime is the part of the background runtime the loop polls.
// *subagent.Runtime implements it.
type Runtime interface {
	PollMessages() []subagent.Message
	PollEnergy() float64
	Ready() <-chan struct{}
	GetMetrics() subagent.Metrics
}

// Responder acts on one work item. *agent.Responder implements it.
type Responder interface {
	Respond(ctx context.Context, turn agent.Turn) (*agent.Outcome, error)
}

// Options configures a Loop.
type Options struct {
	// TickInterval is the longest the loop sleeps without a trigger.
	TickInterval time.Duration
	// EnergyPerSecond converts synchronous generation and tool time into
	// energy units.
	EnergyPerSecond float64
	// DiagnosticsSize bounds the diagnostics ring.
	DiagnosticsSize int

	Store  memory.Store
	Stats  *stats.Collector
	Cost   *cost.Tracker
	Logger *slog.Logger
	Now    func() time.Time

	OnWorkItemStarted func(id string)
	OnWorkItemEnded   func(id, reason string)
}

// Diagnostic is a background message that could not be attached to a work
// item, or a failure the loop absorbed.
type Diagnostic struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	TaskID  string    `json:"task_id,omitempty"`
	ItemID  string    `json:"item_id,omitempty"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
}

// StepResult describes what one cycle did.
type StepResult struct {
	ItemID string
	Action string
	Tier   energy.Tier
}

// Metrics is a snapshot of the whole loop.
type Metrics struct {
	Energy      energy.Snapshot            `json:"energy"`
	Queue       map[protocol.WorkState]int `json:"queue"`
	Runtime     subagent.Metrics           `json:"runtime"`
	Stats       *stats.Stats               `json:"stats"`
	Cost        cost.Snapshot              `json:"cost"`
	Diagnostics int                        `json:"diagnostics"`
}

type delivery struct {
	itemID  string
	created bool
	in      protocol.Inbound
	at      time.Time
}

// Loop is the scheduler. Step and Run must be called from one goroutine;
// Deliver, Metrics and Diagnostics are safe from any goroutine.
type Loop struct {
	opts      Options
	logger    *slog.Logger
	energy    *energy.Account
	queue     *workqueue.Queue
	runtime   Runtime
	responder Responder

	lastTick time.Time
	started  map[string]bool

	mu    sync.Mutex
	inbox []delivery
	wake  chan struct{}

	diagMu sync.Mutex
	diags  []Diagnostic
}

// New creates a loop.
func New(acct *energy.Account, queue *workqueue.Queue, rt Runtime, responder Responder, optFns ...func(o *Options)) *Loop {
	opts := Options{
		TickInterval:    time.Second,
		EnergyPerSecond: 2,
		DiagnosticsSize: 100,
		Now:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DiagnosticsSize <= 0 {
		opts.DiagnosticsSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Cost == nil {
		opts.Cost = cost.NewTracker()
	}
	return &Loop{
		opts:      opts,
		logger:    logging.Component(opts.Logger, "scheduler"),
		energy:    acct,
		queue:     queue,
		runtime:   rt,
		responder: responder,
		lastTick:  opts.Now(),
		started:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Deliver hands new input to the loop and returns the ID of the work item
// that received it. Input for an ended item starts a fresh item, including
// items that ended before a restart and live only in the store.
func (l *Loop) Deliver(in protocol.Inbound) string {
	l.resolve(&in)
	item, created := l.queue.Deliver(in)
	id := item.ID

	l.mu.Lock()
	l.inbox = append(l.inbox, delivery{itemID: id, created: created, in: in, at: l.opts.Now()})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return id
}

// resolve looks up an ID the queue does not hold. A stored conversation that
// ended is never continued: the input starts a new item. A stored unfinished
// one is loaded so the input lands on its history.
func (l *Loop) resolve(in *protocol.Inbound) {
	if in.ItemID == "" || l.opts.Store == nil {
		return
	}
	if _, ok := l.queue.Get(in.ItemID); ok {
		return
	}
	rec, err := l.opts.Store.Get(context.Background(), in.ItemID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
	case err != nil:
		l.storeFailed(in.ItemID, err)
		in.ItemID = ""
	case rec.State == protocol.StateEnded:
		l.logger.Debug("input for ended conversation", "item", in.ItemID)
		in.ItemID = ""
	default:
		l.queue.Restore(*rec)
	}
}

// Restore reloads unfinished conversations from the store.
func (l *Loop) Restore(ctx context.Context) (int, error) {
	if l.opts.Store == nil {
		return 0, nil
	}
	recs, err := l.opts.Store.List(ctx, memory.Filter{
		States: []protocol.WorkState{protocol.StateActive, protocol.StateSnoozed},
	})
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		l.queue.Restore(rec)
	}
	l.logger.Info("restored conversations", "count", len(recs))
	return len(recs), nil
}

// Step runs exactly one cycle.
func (l *Loop) Step(ctx context.Context) StepResult {
	now := l.opts.Now()
	l.energy.Replenish(now.Sub(l.lastTick).Seconds())
	l.lastTick = now
	l.opts.Stats.RecordCycle()

	if spent := l.runtime.PollEnergy(); spent > 0 {
		l.energy.Consume(spent)
		l.opts.Cost.Record(cost.SourceSubAgent, spent)
	}
	l.drainMessages(ctx)
	l.drainInbox(ctx)
	for _, id := range l.queue.WakeExpired() {
		l.logger.Debug("snooze expired", "item", id)
		l.persistState(ctx, id)
	}

	item := l.queue.Next()
	if item == nil {
		l.opts.Stats.RecordAction(stats.ActionIdle)
		return StepResult{Action: stats.ActionIdle}
	}

	id := item.ID
	tier := energy.TierFor(l.energy.Status())
	res := StepResult{ItemID: id, Tier: tier}
	if !l.started[id] {
		l.started[id] = true
		if l.opts.OnWorkItemStarted != nil {
			l.opts.OnWorkItemStarted(id)
		}
	}

	l.takeEvents(ctx, id)
	snap, _ := l.queue.Snapshot(id)

	// Without new input, results or an expired snooze there is nothing to
	// answer; the item waits for its next wake.
	if !snap.PendingInput && (tier == energy.TierMinimal || !snap.Woke()) {
		res.Action = stats.ActionDefer
		l.opts.Stats.RecordAction(res.Action)
		note := "nothing new"
		if tier == energy.TierMinimal {
			note = "deferred in the debt zone"
		}
		l.snooze(ctx, id, note)
		return res
	}

	out, err := l.responder.Respond(ctx, agent.Turn{
		ItemID:   id,
		Tier:     tier,
		Energy:   l.energy.Snapshot(),
		History:  snap.History,
		Budget:   snap.EnergyBudget,
		Consumed: snap.EnergyConsumed,
		Snoozes:  snap.BackoffExponent,
	})
	if out != nil {
		l.charge(id, out)
	}
	if err != nil {
		l.opts.Stats.RecordError()
		l.diagnose(Diagnostic{Source: "responder", ItemID: id, Kind: "error", Content: apperrors.FormatUserMessage(err)})
		l.logger.Warn("turn failed", "item", id, "tier", tier, logging.Err(err))
		if ctx.Err() != nil {
			res.Action = stats.ActionIdle
			return res
		}
		res.Action = stats.ActionDefer
		l.opts.Stats.RecordAction(res.Action)
		l.snooze(ctx, id, "turn failed")
		return res
	}

	res.Action = l.apply(ctx, id, tier, out)
	l.opts.Stats.RecordAction(res.Action)
	return res
}

// apply records the turn's exchanges and performs its transition.
func (l *Loop) apply(ctx context.Context, id string, tier energy.Tier, out *agent.Outcome) string {
	exchanges := out.Exchanges
	if n := len(exchanges); n > 0 {
		exchanges[n-1].EnergyCost = l.turnEnergy(out)
	}

	var err error
	action := stats.ActionRespond
	switch out.Action {
	case agent.ActionEnd:
		action = stats.ActionEnd
		if err = l.queue.Append(id, exchanges...); err == nil {
			l.persistExchanges(ctx, id, exchanges)
			l.end(ctx, id, out.Reason)
		}
	case agent.ActionSnooze:
		action = stats.ActionSnooze
		if err = l.queue.Append(id, exchanges...); err == nil {
			l.persistExchanges(ctx, id, exchanges)
			l.snooze(ctx, id, out.Reason)
		}
	default:
		if tier == energy.TierMinimal {
			action = stats.ActionMinimal
		}
		if err = l.queue.Respond(id, exchanges...); err == nil {
			l.persistExchanges(ctx, id, exchanges)
			l.persistState(ctx, id)
		}
	}
	if err != nil {
		l.diagnose(Diagnostic{Source: "scheduler", ItemID: id, Kind: "transition", Content: err.Error()})
	}
	l.logger.Info("turn complete", "item", id, "tier", tier, "action", action,
		"energy", l.turnEnergy(out), "offloaded", len(out.Offloaded))
	return action
}

func (l *Loop) turnEnergy(out *agent.Outcome) float64 {
	return (out.GenerationSeconds + out.ToolSeconds) * l.opts.EnergyPerSecond
}

// charge debits the energy a turn spent synchronously.
func (l *Loop) charge(id string, out *agent.Outcome) {
	gen := out.GenerationSeconds * l.opts.EnergyPerSecond
	tool := out.ToolSeconds * l.opts.EnergyPerSecond
	l.energy.Consume(gen + tool)
	l.queue.AddEnergy(id, gen+tool)

	model := ""
	if len(out.Models) > 0 {
		model = out.Models[len(out.Models)-1]
	}
	l.opts.Cost.RecordModel(cost.SourceGeneration, model, out.Tokens, gen)
	l.opts.Cost.Record(cost.SourceTool, tool)
	l.opts.Stats.RecordGeneration(out.Tokens, time.Duration(out.GenerationSeconds*float64(time.Second)))
	for i := 0; i < out.ToolCalls; i++ {
		l.opts.Stats.RecordToolCall(false)
	}
	for range out.Offloaded {
		l.opts.Stats.RecordToolCall(true)
	}
}

func (l *Loop) snooze(ctx context.Context, id, note string) {
	until, ended, err := l.queue.Snooze(id)
	if err != nil {
		l.diagnose(Diagnostic{Source: "scheduler", ItemID: id, Kind: "transition", Content: err.Error()})
		return
	}
	if ended {
		l.logger.Info("work item ended", "item", id, "reason", workqueue.EndReasonBackoffLimit)
		l.persistState(ctx, id)
		l.ended(id, workqueue.EndReasonBackoffLimit)
		return
	}
	l.logger.Debug("work item snoozed", "item", id, "until", until, "note", note)
	l.persistState(ctx, id)
}

func (l *Loop) end(ctx context.Context, id, reason string) {
	if err := l.queue.End(id, reason); err != nil {
		l.diagnose(Diagnostic{Source: "scheduler", ItemID: id, Kind: "transition", Content: err.Error()})
		return
	}
	l.logger.Info("work item ended", "item", id, "reason", reason)
	l.persistState(ctx, id)
	l.ended(id, reason)
}

func (l *Loop) ended(id, reason string) {
	delete(l.started, id)
	if l.opts.OnWorkItemEnded != nil {
		l.opts.OnWorkItemEnded(id, reason)
	}
}

// drainMessages attaches background messages to their work items. Messages
// without a live item go to the diagnostics ring.
func (l *Loop) drainMessages(ctx context.Context) {
	for _, msg := range l.runtime.PollMessages() {
		content := describe(msg)
		if msg.WorkItemID == "" {
			l.diagnose(Diagnostic{At: msg.At, Source: "subagent", TaskID: msg.TaskID, Kind: string(msg.Type), Content: content})
			continue
		}
		err := l.queue.Attach(msg.WorkItemID, workqueue.Event{
			TaskID:  msg.TaskID,
			Kind:    string(msg.Type),
			Content: content,
			At:      msg.At,
		})
		if err != nil {
			l.diagnose(Diagnostic{At: msg.At, Source: "subagent", TaskID: msg.TaskID, ItemID: msg.WorkItemID, Kind: string(msg.Type), Content: content})
			continue
		}
		if msg.Type != subagent.MessageStatusUpdate {
			l.persistState(ctx, msg.WorkItemID)
		}
	}
}

// takeEvents moves the item's completion and error events into its history.
func (l *Loop) takeEvents(ctx context.Context, id string) {
	var exchanges []protocol.Exchange
	for _, ev := range l.queue.TakeEvents(id) {
		if ev.Kind == workqueue.EventStatusUpdate {
			continue
		}
		exchanges = append(exchanges, protocol.Exchange{
			Role:    protocol.RoleEvent,
			Content: ev.Content,
			At:      ev.At,
		})
	}
	if len(exchanges) == 0 {
		return
	}
	if err := l.queue.Append(id, exchanges...); err != nil {
		return
	}
	l.persistExchanges(ctx, id, exchanges)
}

func (l *Loop) drainInbox(ctx context.Context) {
	l.mu.Lock()
	inbox := l.inbox
	l.inbox = nil
	l.mu.Unlock()

	if l.opts.Store == nil {
		return
	}
	for _, d := range inbox {
		if d.created {
			err := l.opts.Store.Create(ctx, protocol.ConversationRecord{
				ID:           d.itemID,
				PriorityHint: d.in.PriorityHint,
				EnergyBudget: d.in.EnergyBudget,
				CreatedAt:    d.at,
			})
			if err != nil {
				l.storeFailed(d.itemID, err)
				continue
			}
		}
		l.persistExchanges(ctx, d.itemID, []protocol.Exchange{{
			Role:    protocol.RoleUser,
			Content: d.in.Content,
			At:      d.at,
		}})
		l.persistState(ctx, d.itemID)
	}
}

func (l *Loop) persistExchanges(ctx context.Context, id string, exchanges []protocol.Exchange) {
	if l.opts.Store == nil || len(exchanges) == 0 {
		return
	}
	if err := l.opts.Store.Append(ctx, id, exchanges...); err != nil {
		l.storeFailed(id, err)
	}
}

func (l *Loop) persistState(ctx context.Context, id string) {
	if l.opts.Store == nil {
		return
	}
	snap, ok := l.queue.Snapshot(id)
	if !ok {
		return
	}
	if err := l.opts.Store.SetState(ctx, id, snap.StateChange()); err != nil {
		l.storeFailed(id, err)
	}
}

func (l *Loop) storeFailed(id string, err error) {
	l.logger.Error("persistence failed", "item", id, logging.Err(err))
	l.diagnose(Diagnostic{Source: "store", ItemID: id, Kind: "error", Content: err.Error()})
}

func (l *Loop) diagnose(d Diagnostic) {
	if d.At.IsZero() {
		d.At = l.opts.Now()
	}
	l.diagMu.Lock()
	defer l.diagMu.Unlock()
	l.diags = append(l.diags, d)
	if over := len(l.diags) - l.opts.DiagnosticsSize; over > 0 {
		l.diags = append([]Diagnostic(nil), l.diags[over:]...)
	}
}

// Diagnostics returns the retained diagnostics, oldest first.
func (l *Loop) Diagnostics() []Diagnostic {
	l.diagMu.Lock()
	defer l.diagMu.Unlock()
	return append([]Diagnostic(nil), l.diags...)
}

// Metrics returns a snapshot of the loop and its collaborators.
func (l *Loop) Metrics() Metrics {
	l.diagMu.Lock()
	diags := len(l.diags)
	l.diagMu.Unlock()
	return Metrics{
		Energy:      l.energy.Snapshot(),
		Queue:       l.queue.Counts(),
		Runtime:     l.runtime.GetMetrics(),
		Stats:       l.opts.Stats.Collect(),
		Cost:        l.opts.Cost.Snapshot(),
		Diagnostics: diags,
	}
}

// Run cycles until ctx is done. Between cycles it waits for the tick, new
// input, or background results, whichever comes first.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("scheduler started", "tick", l.opts.TickInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		case <-l.wake:
		case <-l.runtime.Ready():
		}
		l.Step(ctx)
		timer.Reset(l.nextWait())
	}
}

// nextWait is the tick interval, shortened to the next snooze expiry and, in
// the debt zone, to the time needed to climb back out of it.
func (l *Loop) nextWait() time.Duration {
	wait := l.opts.TickInterval
	if next, ok := l.queue.NextWake(); ok {
		if d := next.Sub(l.opts.Now()); d < wait {
			wait = d
		}
	}
	if l.energy.Status() == energy.StatusUrgent {
		secs := l.energy.SecondsUntil(l.energy.Config().LowThreshold)
		if !math.IsInf(secs, 1) {
			if d := time.Duration(secs * float64(time.Second)); d < wait {
				wait = d
			}
		}
	}
	return max(wait, 0)
}

// describe renders a background message as event text.
func describe(msg subagent.Message) string {
	label := msg.TaskType
	if label == "" {
		label = "task"
	}
	switch msg.Type {
	case subagent.MessageCompletion:
		body := msg.Content
		if msg.Result != nil {
			if b, err := json.Marshal(msg.Result); err == nil {
				body = string(b)
			}
		}
		return fmt.Sprintf("%s %s completed: %s", label, msg.TaskID, body)
	case subagent.MessageError:
		return fmt.Sprintf("%s %s failed: %s", label, msg.TaskID, msg.Error)
	default:
		return fmt.Sprintf("%s %s: %s (%d%%)", label, msg.TaskID, msg.Content, msg.Progress)
	}
}
