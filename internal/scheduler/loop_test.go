package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elecnix/ai-effort-regulation/internal/agent"
	"github.com/elecnix/ai-effort-regulation/internal/energy"
	"github.com/elecnix/ai-effort-regulation/internal/memory"
	"github.com/elecnix/ai-effort-regulation/internal/model"
	"github.com/elecnix/ai-effort-regulation/internal/stats"
	"github.com/elecnix/ai-effort-regulation/internal/subagent"
	"github.com/elecnix/ai-effort-regulation/internal/tools"
	"github.com/elecnix/ai-effort-regulation/internal/workqueue"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubRuntime struct {
	mu     sync.Mutex
	msgs   []subagent.Message
	energy float64
	ready  chan struct{}
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{ready: make(chan struct{}, 1)}
}

func (s *stubRuntime) push(energy float64, msgs ...subagent.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy += energy
	s.msgs = append(s.msgs, msgs...)
}

func (s *stubRuntime) PollMessages() []subagent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs
	s.msgs = nil
	return out
}

func (s *stubRuntime) PollEnergy() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.energy
	s.energy = 0
	return e
}

func (s *stubRuntime) Ready() <-chan struct{}       { return s.ready }
func (s *stubRuntime) GetMetrics() subagent.Metrics { return subagent.Metrics{} }

// scriptedResponder answers every turn through fn and records the turns.
type scriptedResponder struct {
	mu    sync.Mutex
	turns []agent.Turn
	fn    func(turn agent.Turn) (*agent.Outcome, error)
}

func (s *scriptedResponder) Respond(_ context.Context, turn agent.Turn) (*agent.Outcome, error) {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	return s.fn(turn)
}

func (s *scriptedResponder) Turns() []agent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Turn(nil), s.turns...)
}

func reply(text string, genSeconds float64) func(agent.Turn) (*agent.Outcome, error) {
	return func(agent.Turn) (*agent.Outcome, error) {
		return &agent.Outcome{
			Action:            agent.ActionRespond,
			Reply:             text,
			GenerationSeconds: genSeconds,
			Exchanges:         []protocol.Exchange{{Role: protocol.RoleAssistant, Content: text}},
		}, nil
	}
}

func transition(action agent.Action, reason string) func(agent.Turn) (*agent.Outcome, error) {
	return func(agent.Turn) (*agent.Outcome, error) {
		return &agent.Outcome{Action: action, Reason: reason}, nil
	}
}

type harness struct {
	clock   *fakeClock
	acct    *energy.Account
	queue   *workqueue.Queue
	runtime *stubRuntime
	resp    *scriptedResponder
	store   *memory.InMemoryStore
	loop    *Loop
	started []string
	ended   map[string]string
}

func newHarness(t *testing.T, ecfg energy.Config, fn func(agent.Turn) (*agent.Outcome, error)) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		acct:    energy.New(ecfg),
		runtime: newStubRuntime(),
		resp:    &scriptedResponder{fn: fn},
		store:   memory.NewInMemoryStore(),
		ended:   make(map[string]string),
	}
	h.queue = workqueue.New(workqueue.DefaultPolicy(), workqueue.WithClock(h.clock.Now))
	h.loop = New(h.acct, h.queue, h.runtime, h.resp, func(o *Options) {
		o.Now = h.clock.Now
		o.Store = h.store
		o.EnergyPerSecond = 10
		o.OnWorkItemStarted = func(id string) { h.started = append(h.started, id) }
		o.OnWorkItemEnded = func(id, reason string) { h.ended[id] = reason }
	})
	return h
}

func TestStepIdle(t *testing.T) {
	h := newHarness(t, energy.DefaultConfig(), reply("x", 0))
	res := h.loop.Step(context.Background())
	assert.Equal(t, stats.ActionIdle, res.Action)
	assert.Empty(t, h.resp.Turns())
}

func TestDeliverRespondAndPersist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("hello", 1))

	id := h.loop.Deliver(protocol.Inbound{Content: "hi", PriorityHint: 2})
	res := h.loop.Step(ctx)

	assert.Equal(t, id, res.ItemID)
	assert.Equal(t, stats.ActionRespond, res.Action)
	assert.Equal(t, energy.TierExpensive, res.Tier)
	assert.Equal(t, []string{id}, h.started)

	turns := h.resp.Turns()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].History, 1)
	assert.Equal(t, "hi", turns[0].History[0].Content)

	assert.InDelta(t, 90.0, h.acct.Level(), 1e-9)
	snap, _ := h.queue.Snapshot(id)
	assert.InDelta(t, 10.0, snap.EnergyConsumed, 1e-9)
	assert.False(t, snap.PendingInput)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2.0, rec.PriorityHint)
	require.Len(t, rec.History, 2)
	assert.Equal(t, "hello", rec.History[1].Content)
	assert.InDelta(t, 10.0, rec.History[1].EnergyCost, 1e-9)
	assert.InDelta(t, 10.0, rec.EnergyConsumed, 1e-9)

	// Selecting the same item again does not fire the start hook twice.
	h.loop.Step(ctx)
	assert.Len(t, h.started, 1)
}

func TestSnoozeBackoffThroughLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), transition(agent.ActionSnooze, "waiting"))

	id := h.loop.Deliver(protocol.Inbound{ItemID: "c1", Content: "remind me"})
	start := h.clock.Now()

	assert.Equal(t, stats.ActionSnooze, h.loop.Step(ctx).Action)
	snap, _ := h.queue.Snapshot(id)
	assert.Equal(t, protocol.StateSnoozed, snap.State)
	assert.Equal(t, start.Add(60*time.Second), snap.SnoozeUntil)

	assert.Equal(t, stats.ActionIdle, h.loop.Step(ctx).Action)

	h.clock.Advance(60 * time.Second)
	assert.Equal(t, stats.ActionSnooze, h.loop.Step(ctx).Action)
	snap, _ = h.queue.Snapshot(id)
	assert.Equal(t, h.clock.Now().Add(120*time.Second), snap.SnoozeUntil)
	assert.Equal(t, 2, snap.BackoffExponent)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSnoozed, rec.State)
	assert.Equal(t, 2, rec.BackoffExponent)

	h.loop.Deliver(protocol.Inbound{ItemID: id, Content: "any news?"})
	snap, _ = h.queue.Snapshot(id)
	assert.Equal(t, protocol.StateActive, snap.State)
	assert.Equal(t, 0, snap.BackoffExponent)
}

func TestEndFiresHook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), transition(agent.ActionEnd, "done"))

	id := h.loop.Deliver(protocol.Inbound{ItemID: "c1", Content: "thanks, bye"})
	assert.Equal(t, stats.ActionEnd, h.loop.Step(ctx).Action)
	assert.Equal(t, map[string]string{id: "done"}, h.ended)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateEnded, rec.State)
	assert.Equal(t, "done", rec.EndReason)

	again := h.loop.Deliver(protocol.Inbound{ItemID: id, Content: "one more thing"})
	assert.NotEqual(t, id, again, "input for an ended item starts a new one")
}

func TestInputForStoredEndedItemStartsFresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("hello again", 0))

	require.NoError(t, h.store.Create(ctx, protocol.ConversationRecord{
		ID:      "abc",
		History: []protocol.Exchange{{Role: protocol.RoleUser, Content: "bye"}},
	}))
	require.NoError(t, h.store.SetState(ctx, "abc", protocol.StateChange{State: protocol.StateEnded, EndReason: "done"}))

	n, err := h.loop.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id := h.loop.Deliver(protocol.Inbound{ItemID: "abc", Content: "are you there?"})
	assert.NotEqual(t, "abc", id)
	h.loop.Step(ctx)

	old, err := h.store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateEnded, old.State)
	assert.Equal(t, "done", old.EndReason)
	require.Len(t, old.History, 1)
	assert.Equal(t, "bye", old.History[0].Content)

	fresh, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateActive, fresh.State)
	require.Len(t, fresh.History, 2)
	assert.Equal(t, "are you there?", fresh.History[0].Content)
}

func TestInputForStoredUnfinishedItemContinuesIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("still here", 0))

	require.NoError(t, h.store.Create(ctx, protocol.ConversationRecord{
		ID: "abc",
		History: []protocol.Exchange{
			{Role: protocol.RoleUser, Content: "hi"},
			{Role: protocol.RoleAssistant, Content: "hello"},
		},
	}))

	id := h.loop.Deliver(protocol.Inbound{ItemID: "abc", Content: "follow-up"})
	assert.Equal(t, "abc", id)
	h.loop.Step(ctx)

	require.Len(t, h.resp.Turns(), 1)
	assert.Len(t, h.resp.Turns()[0].History, 3)
	rec, err := h.store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, rec.History, 4)
}

func TestOneInputGetsOneReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("hello", 0))

	id := h.loop.Deliver(protocol.Inbound{Content: "hi"})
	for i := 0; i < 20; i++ {
		h.loop.Step(ctx)
	}
	assert.Len(t, h.resp.Turns(), 1)
	snap, _ := h.queue.Snapshot(id)
	assert.Equal(t, protocol.StateSnoozed, snap.State)

	// An expired snooze earns one follow-up turn, then the item waits again.
	h.clock.Advance(time.Minute)
	assert.Equal(t, stats.ActionRespond, h.loop.Step(ctx).Action)
	assert.Equal(t, stats.ActionDefer, h.loop.Step(ctx).Action)
	assert.Len(t, h.resp.Turns(), 2)

	h.loop.Deliver(protocol.Inbound{ItemID: id, Content: "one more"})
	h.loop.Step(ctx)
	h.loop.Step(ctx)
	assert.Len(t, h.resp.Turns(), 3)
}

func TestDefaultEnergyPerSecond(t *testing.T) {
	acct := energy.New(energy.DefaultConfig())
	resp := &scriptedResponder{fn: reply("ok", 3)}
	loop := New(acct, workqueue.New(workqueue.DefaultPolicy()), newStubRuntime(), resp)

	loop.Deliver(protocol.Inbound{Content: "hi"})
	loop.Step(context.Background())
	assert.InDelta(t, 94.0, acct.Level(), 1e-6, "three seconds of generation at 2 units per second")
}

func urgentConfig() energy.Config {
	cfg := energy.DefaultConfig()
	cfg.Initial = -10
	cfg.ReplenishRate = 0
	return cfg
}

func TestUrgentTierMinimalReplyThenDefer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, urgentConfig(), reply("busy, back soon", 0))

	id := h.loop.Deliver(protocol.Inbound{Content: "hello?"})
	res := h.loop.Step(ctx)
	assert.Equal(t, energy.TierMinimal, res.Tier)
	assert.Equal(t, stats.ActionMinimal, res.Action)
	require.Len(t, h.resp.Turns(), 1)
	assert.Equal(t, energy.TierMinimal, h.resp.Turns()[0].Tier)

	res = h.loop.Step(ctx)
	assert.Equal(t, stats.ActionDefer, res.Action)
	assert.Len(t, h.resp.Turns(), 1, "no generation without pending input in the debt zone")
	snap, _ := h.queue.Snapshot(id)
	assert.Equal(t, protocol.StateSnoozed, snap.State)
}

func TestRuntimeMessagesAndEnergy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("noted", 0))

	id := h.loop.Deliver(protocol.Inbound{ItemID: "c1", Content: "fetch it"})
	h.loop.Step(ctx)

	h.runtime.push(6,
		subagent.Message{TaskID: "t1", WorkItemID: id, Type: subagent.MessageStatusUpdate, TaskType: "fetch_url", Content: "started"},
		subagent.Message{TaskID: "t1", WorkItemID: id, Type: subagent.MessageCompletion, TaskType: "fetch_url", Result: map[string]any{"title": "Example"}},
		subagent.Message{TaskID: "t2", Type: subagent.MessageError, TaskType: "provider_health", Error: "boom"},
	)
	h.loop.Step(ctx)

	assert.InDelta(t, 94.0, h.acct.Level(), 1e-9)
	diags := h.loop.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, "t2", diags[0].TaskID)
	assert.Contains(t, diags[0].Content, "failed: boom")

	turns := h.resp.Turns()
	require.Len(t, turns, 2)
	var events []string
	for _, ex := range turns[1].History {
		if ex.Role == protocol.RoleEvent {
			events = append(events, ex.Content)
		}
	}
	assert.Equal(t, []string{`fetch_url t1 completed: {"title":"Example"}`}, events)

	m := h.loop.Metrics()
	assert.InDelta(t, 6.0, m.Cost.Total.BySource["subagent"], 1e-9)
	assert.Equal(t, 1, m.Diagnostics)
	assert.Equal(t, int64(2), m.Stats.Cycles)
}

func TestMessageForEndedItemIsDiagnostic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), transition(agent.ActionEnd, "done"))

	id := h.loop.Deliver(protocol.Inbound{Content: "x"})
	h.loop.Step(ctx)
	h.runtime.push(0, subagent.Message{TaskID: "t1", WorkItemID: id, Type: subagent.MessageCompletion, Content: "late"})
	h.loop.Step(ctx)

	diags := h.loop.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, id, diags[0].ItemID)
}

func TestResponderErrorDefers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), func(agent.Turn) (*agent.Outcome, error) {
		return &agent.Outcome{GenerationSeconds: 0.5}, errors.New("model unavailable")
	})

	id := h.loop.Deliver(protocol.Inbound{Content: "hi"})
	res := h.loop.Step(ctx)
	assert.Equal(t, stats.ActionDefer, res.Action)

	snap, _ := h.queue.Snapshot(id)
	assert.Equal(t, protocol.StateSnoozed, snap.State)
	assert.InDelta(t, 95.0, h.acct.Level(), 1e-9, "time spent on a failed turn is still charged")
	require.Len(t, h.loop.Diagnostics(), 1)
	assert.Equal(t, "model unavailable", h.loop.Diagnostics()[0].Content)
}

func TestBackoffLimitEndsItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), transition(agent.ActionSnooze, ""))
	policy := workqueue.DefaultPolicy()
	policy.MaxSnoozes = 1
	h.queue = workqueue.New(policy, workqueue.WithClock(h.clock.Now))
	h.loop.queue = h.queue

	id := h.loop.Deliver(protocol.Inbound{Content: "x"})
	h.loop.Step(ctx)
	h.clock.Advance(time.Minute)
	h.loop.Step(ctx)

	assert.Equal(t, workqueue.EndReasonBackoffLimit, h.ended[id])
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, energy.DefaultConfig(), reply("welcome back", 0))

	for _, rec := range []protocol.ConversationRecord{
		{ID: "a", StateChange: protocol.StateChange{State: protocol.StateActive},
			History: []protocol.Exchange{{Role: protocol.RoleUser, Content: "still there?"}}},
		{ID: "b", StateChange: protocol.StateChange{State: protocol.StateSnoozed, SnoozeUntil: h.clock.Now().Add(time.Hour)}},
		{ID: "c", StateChange: protocol.StateChange{State: protocol.StateEnded}},
	} {
		require.NoError(t, h.store.Create(ctx, rec))
	}

	n, err := h.loop.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.queue.Len())

	res := h.loop.Step(ctx)
	assert.Equal(t, "a", res.ItemID)
	assert.Equal(t, stats.ActionRespond, res.Action)
}

func TestNextWait(t *testing.T) {
	h := newHarness(t, urgentConfig(), reply("x", 0))
	h.loop.opts.TickInterval = time.Hour
	assert.Equal(t, time.Hour, h.loop.nextWait(), "a bucket that never refills does not shorten the wait")

	cfg := urgentConfig()
	cfg.ReplenishRate = 5
	h = newHarness(t, cfg, reply("x", 0))
	h.loop.opts.TickInterval = time.Hour
	assert.Equal(t, 2*time.Second, h.loop.nextWait())

	h = newHarness(t, energy.DefaultConfig(), transition(agent.ActionSnooze, ""))
	h.loop.opts.TickInterval = time.Hour
	h.loop.Deliver(protocol.Inbound{Content: "x"})
	h.loop.Step(context.Background())
	assert.Equal(t, time.Minute, h.loop.nextWait())
}

func TestRunUntilCanceled(t *testing.T) {
	called := make(chan string, 1)
	rt := newStubRuntime()
	resp := &scriptedResponder{fn: func(turn agent.Turn) (*agent.Outcome, error) {
		select {
		case called <- turn.ItemID:
		default:
		}
		return &agent.Outcome{Action: agent.ActionEnd, Reason: "done"}, nil
	}}
	loop := New(energy.New(energy.DefaultConfig()), workqueue.New(workqueue.DefaultPolicy()), rt, resp,
		func(o *Options) { o.TickInterval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	id := loop.Deliver(protocol.Inbound{Content: "wake up"})
	select {
	case got := <-called:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not react to inbound input")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

type offlineTools struct{}

func (offlineTools) Invoke(context.Context, string, map[string]any) (*tools.Result, error) {
	return nil, errors.New("synchronous call not expected")
}
func (offlineTools) Lookup(name string) (tools.Descriptor, bool) {
	return tools.Descriptor{NamespacedName: name, ProviderID: "weather"}, true
}
func (offlineTools) Definitions() []protocol.ToolDefinition {
	return []protocol.ToolDefinition{{Name: "weather_forecast", Description: "Forecast"}}
}

func TestOffloadedToolResultReturnsToConversation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	rt := subagent.New(subagent.NewRegistry(subagent.HandlerFunc{
		Name: subagent.TypeToolCall,
		Fn: func(_ context.Context, task *subagent.Task, _ subagent.ProgressFunc) (any, error) {
			return "sunny", nil
		},
	}), func(o *subagent.Options) { o.Now = clock.Now })

	m := model.NewMock("small",
		&model.Response{ToolCalls: []model.ToolCall{{ID: "c-1", Name: "weather_forecast", Arguments: map[string]any{"city": "Montreal"}}}},
		&model.Response{Text: "Checking."},
		&model.Response{Text: "It is sunny."},
	)
	responder := agent.NewResponder(&agent.Config{
		Generator: model.NewRouter(m, m),
		Tools:     offlineTools{},
		Tasks:     rt,
	})

	cfg := energy.DefaultConfig()
	cfg.Initial = 20
	cfg.ReplenishRate = 0
	queue := workqueue.New(workqueue.DefaultPolicy(), workqueue.WithClock(clock.Now))
	loop := New(energy.New(cfg), queue, rt, responder, func(o *Options) { o.Now = clock.Now })

	id := loop.Deliver(protocol.Inbound{Content: "weather in Montreal?"})
	res := loop.Step(ctx)
	assert.Equal(t, energy.TierCheap, res.Tier)
	assert.Equal(t, stats.ActionRespond, res.Action)
	assert.True(t, rt.HasActiveWork())

	require.True(t, rt.Step(ctx))
	snapBefore, _ := queue.Snapshot(id)
	assert.False(t, snapBefore.PendingInput)

	res = loop.Step(ctx)
	assert.Equal(t, id, res.ItemID)
	require.Equal(t, 3, m.Calls())
	assert.Contains(t, m.Requests()[2].System, `completed: "sunny"`)

	snap, _ := queue.Snapshot(id)
	assert.Equal(t, "It is sunny.", snap.History[len(snap.History)-1].Content)
}
