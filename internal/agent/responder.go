// Package agent executes the scheduler's chosen action for a work item: it
// runs the generation and tool-call loop and reports what the conversation
// should do next.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elecnix/ai-effort-regulation/internal/energy"
	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/internal/model"
	"github.com/elecnix/ai-effort-regulation/internal/prompt"
	"github.com/elecnix/ai-effort-regulation/internal/subagent"
	"github.com/elecnix/ai-effort-regulation/internal/tools"
	"github.com/elecnix/ai-effort-regulation/internal/tools/schemas"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// Action is the transition the responder asks for.
type Action string

const (
	ActionRespond Action = "respond"
	ActionSnooze  Action = "snooze"
	ActionEnd     Action = "end"
)

// Generator produces a response at a given tier. *model.Router implements it.
type Generator interface {
	Generate(ctx context.Context, tier energy.Tier, req *model.Request) (*model.Response, error)
}

// ToolInvoker dispatches provider tools. *tools.Router implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	Lookup(name string) (tools.Descriptor, bool)
	Definitions() []protocol.ToolDefinition
}

// TaskQueuer offloads slow work. *subagent.Runtime implements it.
type TaskQueuer interface {
	QueueRequest(taskType string, params map[string]any, priority subagent.Priority) string
}

// Turn is everything the responder needs to act on one work item.
type Turn struct {
	ItemID   string
	Tier     energy.Tier
	Energy   energy.Snapshot
	History  []protocol.Exchange
	Budget   float64
	Consumed float64
	Snoozes  int
}

// Outcome is the result of one turn.
type Outcome struct {
	Action Action
	Reason string
	Reply  string
	// Exchanges are the new history entries produced by the turn.
	Exchanges []protocol.Exchange
	// GenerationSeconds and ToolSeconds are wall-clock time spent
	// synchronously; the scheduler charges them as energy.
	GenerationSeconds float64
	ToolSeconds       float64
	Tokens            int
	Models            []string
	ToolCalls         int
	Offloaded         []string
}

// Config configures a Responder.
type Config struct {
	Generator Generator
	Tools     ToolInvoker
	Tasks     TaskQueuer
	Prompt    *prompt.Builder
	Logger    *slog.Logger

	// MaxToolRounds bounds generations that request tools within a turn.
	MaxToolRounds int
	// HistoryWindow is how many recent exchanges reach the generator; 0 sends all.
	HistoryWindow int
	// SlowTools are offloaded even at the expensive tier. Entries are
	// namespaced tool names or provider IDs.
	SlowTools []string
	// MinimalMaxTokens caps replies at the minimal tier.
	MinimalMaxTokens int64

	Now func() time.Time
}

// Responder runs a conversation turn.
type Responder struct {
	cfg    Config
	logger *slog.Logger
	slow   map[string]bool
	ctrl   *schemas.Registry
}

// NewResponder creates a responder.
func NewResponder(cfg *Config) *Responder {
	c := *cfg
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	if c.MinimalMaxTokens <= 0 {
		c.MinimalMaxTokens = 64
	}
	if c.Prompt == nil {
		c.Prompt = prompt.NewBuilder()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	r := &Responder{
		cfg:    c,
		logger: logging.Component(c.Logger, "responder"),
		slow:   make(map[string]bool, len(c.SlowTools)),
		ctrl:   schemas.Builtin(),
	}
	for _, name := range c.SlowTools {
		r.slow[name] = true
	}
	return r
}

// Respond runs one turn. At the minimal tier it makes a single tool-less
// generation. Otherwise it loops while the generator requests tools, up to
// MaxToolRounds; control tools end the turn early.
func (r *Responder) Respond(ctx context.Context, turn Turn) (*Outcome, error) {
	out := &Outcome{Action: ActionRespond}
	mode := prompt.ModeFor(turn.Tier)

	messages, events := r.conversation(turn.History)
	req := &model.Request{
		System: r.cfg.Prompt.BuildSystemPrompt(prompt.SystemContext{
			Mode:     mode,
			Energy:   turn.Energy,
			Tools:    r.definitions(turn.Tier),
			Events:   events,
			Budget:   turn.Budget,
			Consumed: turn.Consumed,
			Snoozes:  turn.Snoozes,
		}),
		Messages: messages,
		Tools:    r.definitions(turn.Tier),
	}
	if mode == prompt.ModeMinimal {
		req.MaxTokens = r.cfg.MinimalMaxTokens
	}

	for round := 0; ; round++ {
		if round == r.cfg.MaxToolRounds {
			req.Tools = nil
		}
		snapshot := *req
		resp, err := r.cfg.Generator.Generate(ctx, turn.Tier, &snapshot)
		if err != nil {
			return out, err
		}
		out.GenerationSeconds += resp.CostSeconds
		out.Tokens += resp.TokensUsed
		out.Models = append(out.Models, resp.Model)

		calls := resp.ToolCalls
		if len(req.Tools) == 0 {
			calls = nil
		}
		if resp.Text != "" || len(calls) == 0 {
			out.Reply = resp.Text
			out.Exchanges = append(out.Exchanges, protocol.Exchange{
				Role:    protocol.RoleAssistant,
				Content: resp.Text,
				Model:   resp.Model,
				At:      r.cfg.Now(),
			})
		}
		if len(calls) == 0 {
			return out, nil
		}

		req.Messages = append(req.Messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			content := r.dispatch(ctx, turn, call, out)
			req.Messages = append(req.Messages, model.Message{
				Role:       model.RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
			out.Exchanges = append(out.Exchanges, protocol.Exchange{
				Role:       protocol.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				At:         r.cfg.Now(),
			})
		}
		if out.Action != ActionRespond {
			return out, nil
		}
	}
}

// dispatch executes one tool call and returns the text fed back to the
// generator.
func (r *Responder) dispatch(ctx context.Context, turn Turn, call model.ToolCall, out *Outcome) string {
	switch call.Name {
	case schemas.EndConversation:
		out.Action = ActionEnd
		out.Reason = stringArg(call.Arguments, "reason", "completed")
		return "Conversation ended."
	case schemas.SnoozeConversation:
		// End wins over snooze within one turn.
		if out.Action != ActionEnd {
			out.Action = ActionSnooze
			out.Reason = stringArg(call.Arguments, "note", "")
		}
		return "Conversation snoozed."
	case schemas.FetchURL:
		params := map[string]any{"url": stringArg(call.Arguments, "url", "")}
		if n, ok := call.Arguments["max_bytes"]; ok {
			params["max_bytes"] = n
		}
		return r.offload(turn, subagent.TypeFetchURL, params, out)
	case schemas.ProviderList:
		return r.offload(turn, subagent.TypeProviderList, map[string]any{}, out)
	}

	if r.cfg.Tools == nil {
		return fmt.Sprintf("Error: tool %s is not available", call.Name)
	}
	if r.shouldOffload(turn.Tier, call.Name) {
		return r.offload(turn, subagent.TypeToolCall, map[string]any{
			"tool":      call.Name,
			"arguments": call.Arguments,
		}, out)
	}

	out.ToolCalls++
	res, err := r.cfg.Tools.Invoke(ctx, call.Name, call.Arguments)
	if res != nil {
		out.ToolSeconds += res.Duration.Seconds()
	}
	if err != nil {
		r.logger.Warn("tool call failed", "item", turn.ItemID, "tool", call.Name, logging.Err(err))
		return "Error: " + apperrors.FormatUserMessage(err)
	}
	if res.IsError {
		return "Tool error: " + res.Text
	}
	return formatToolOutput(res)
}

// shouldOffload reports whether a provider tool goes to the background
// runtime: always below the expensive tier, and for tools configured as slow.
func (r *Responder) shouldOffload(tier energy.Tier, name string) bool {
	if r.cfg.Tasks == nil {
		return false
	}
	if tier != energy.TierExpensive || r.slow[name] {
		return true
	}
	if d, ok := r.cfg.Tools.Lookup(name); ok && r.slow[d.ProviderID] {
		return true
	}
	return false
}

func (r *Responder) offload(turn Turn, taskType string, params map[string]any, out *Outcome) string {
	if r.cfg.Tasks == nil {
		return "Error: background tasks are not available"
	}
	params[subagent.ParamWorkItemID] = turn.ItemID
	priority := subagent.PriorityMedium
	if turn.Tier == energy.TierExpensive {
		priority = subagent.PriorityHigh
	}
	id := r.cfg.Tasks.QueueRequest(taskType, params, priority)
	out.Offloaded = append(out.Offloaded, id)
	r.logger.Debug("tool offloaded", "item", turn.ItemID, "task", id, "type", taskType)
	return fmt.Sprintf("Queued as background task %s. The result will arrive later.", id)
}

// definitions returns the tools offered at a tier: none at minimal, control
// tools plus every healthy provider tool otherwise.
func (r *Responder) definitions(tier energy.Tier) []protocol.ToolDefinition {
	if tier == energy.TierMinimal {
		return nil
	}
	var defs []protocol.ToolDefinition
	if r.cfg.Tasks == nil {
		defs = schemas.Minimal().Definitions()
	} else {
		defs = r.ctrl.Definitions()
	}
	if r.cfg.Tools != nil {
		defs = append(defs, r.cfg.Tools.Definitions()...)
	}
	return defs
}

// conversation converts stored history into generator messages. Tool results
// from earlier turns are replayed as user-visible notes since their call
// records are not kept. Event exchanges are returned separately for the
// system prompt.
func (r *Responder) conversation(history []protocol.Exchange) ([]model.Message, []string) {
	var events []string
	var kept []protocol.Exchange
	for _, ex := range history {
		if ex.Role == protocol.RoleEvent {
			events = append(events, ex.Content)
			continue
		}
		kept = append(kept, ex)
	}
	if w := r.cfg.HistoryWindow; w > 0 && len(kept) > w {
		kept = kept[len(kept)-w:]
	}

	msgs := make([]model.Message, 0, len(kept))
	for _, ex := range kept {
		switch ex.Role {
		case protocol.RoleUser:
			msgs = append(msgs, model.Message{Role: model.RoleUser, Content: ex.Content})
		case protocol.RoleAssistant:
			if ex.Content != "" {
				msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: ex.Content})
			}
		case protocol.RoleTool:
			msgs = append(msgs, model.Message{
				Role:    model.RoleUser,
				Content: fmt.Sprintf("[result of %s]\n%s", ex.ToolName, ex.Content),
			})
		}
	}
	return msgs, events
}

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

// formatToolOutput prefers structured content when the provider sent it.
func formatToolOutput(res *tools.Result) string {
	if len(res.Structured) == 0 {
		return res.Text
	}
	var v any
	if err := json.Unmarshal(res.Structured, &v); err != nil {
		return res.Text
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return res.Text
	}
	if res.Text == "" {
		return string(pretty)
	}
	return res.Text + "\n" + string(pretty)
}
