package subagent

import (
	"context"
	"fmt"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/tools"
	"github.com/elecnix/ai-effort-regulation/internal/transport"
)

// Task types served by the tool router handlers.
const (
	TypeToolCall           = "tool_call"
	TypeProviderConnect    = "provider_connect"
	TypeProviderDisconnect = "provider_disconnect"
	TypeProviderList       = "provider_list"
	TypeProviderHealth     = "provider_health"
)

// ToolRouter is the part of the tool router the handlers use.
type ToolRouter interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	Register(ctx context.Context, cfg transport.Config) error
	Unregister(id string) error
	Providers() []tools.ProviderStatus
	CheckHealth(ctx context.Context) map[string]tools.Health
}

// ToolCallHandler invokes a namespaced tool off the scheduler's path.
// Params: "tool" (namespaced name) and "arguments" (object).
type ToolCallHandler struct {
	Router ToolRouter
}

func (h *ToolCallHandler) Type() string { return TypeToolCall }

func (h *ToolCallHandler) Description() string {
	return "Invokes a provider tool in the background"
}

func (h *ToolCallHandler) Handle(ctx context.Context, task *Task, progress ProgressFunc) (any, error) {
	name := task.StringParam("tool")
	if name == "" {
		return nil, apperrors.User(apperrors.CodeToolInvalidParams, "tool parameter required")
	}
	args, _ := task.Params["arguments"].(map[string]any)

	progress(10, "calling "+name)
	res, err := h.Router.Invoke(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", name, res.Text)
	}
	return map[string]any{
		"tool":        name,
		"content":     res.Text,
		"structured":  res.Structured,
		"attempts":    res.Attempts,
		"duration_ms": res.Duration.Milliseconds(),
	}, nil
}

// ProviderConnectHandler registers a provider. Params mirror the provider
// configuration: id, kind, command, args, url, auth_type, env_var, header.
type ProviderConnectHandler struct {
	Router ToolRouter
}

func (h *ProviderConnectHandler) Type() string { return TypeProviderConnect }

func (h *ProviderConnectHandler) Description() string {
	return "Connects a tool provider and discovers its tools"
}

func (h *ProviderConnectHandler) Handle(ctx context.Context, task *Task, progress ProgressFunc) (any, error) {
	cfg := transport.Config{
		ID:      task.StringParam("id"),
		Kind:    transport.Kind(task.StringParam("kind")),
		Command: task.StringParam("command"),
		URL:     task.StringParam("url"),
		Auth: transport.AuthConfig{
			Type:   task.StringParam("auth_type"),
			EnvVar: task.StringParam("env_var"),
			Header: task.StringParam("header"),
		},
	}
	if raw, ok := task.Params["args"].([]any); ok {
		for _, a := range raw {
			cfg.Args = append(cfg.Args, fmt.Sprint(a))
		}
	}
	if s, ok := task.Params["args"].([]string); ok {
		cfg.Args = append(cfg.Args, s...)
	}
	if cfg.ID == "" {
		return nil, apperrors.User(apperrors.CodeToolInvalidParams, "id parameter required")
	}

	progress(10, "connecting "+cfg.ID)
	if err := h.Router.Register(ctx, cfg); err != nil {
		return nil, err
	}
	for _, p := range h.Router.Providers() {
		if p.ID == cfg.ID {
			return p, nil
		}
	}
	return nil, apperrors.User(apperrors.CodeProviderNotFound, "provider vanished after connect: "+cfg.ID)
}

// ProviderDisconnectHandler unregisters a provider. Params: "id".
type ProviderDisconnectHandler struct {
	Router ToolRouter
}

func (h *ProviderDisconnectHandler) Type() string { return TypeProviderDisconnect }

func (h *ProviderDisconnectHandler) Description() string {
	return "Disconnects a tool provider and removes its tools"
}

func (h *ProviderDisconnectHandler) Handle(_ context.Context, task *Task, _ ProgressFunc) (any, error) {
	id := task.StringParam("id")
	if err := h.Router.Unregister(id); err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "disconnected": true}, nil
}

// ProviderListHandler reports every provider with its tools and health.
type ProviderListHandler struct {
	Router ToolRouter
}

func (h *ProviderListHandler) Type() string { return TypeProviderList }

func (h *ProviderListHandler) Description() string {
	return "Lists connected tool providers"
}

func (h *ProviderListHandler) Handle(context.Context, *Task, ProgressFunc) (any, error) {
	return h.Router.Providers(), nil
}

// ProviderHealthHandler probes every provider, reconnecting unhealthy ones.
type ProviderHealthHandler struct {
	Router ToolRouter
}

func (h *ProviderHealthHandler) Type() string { return TypeProviderHealth }

func (h *ProviderHealthHandler) Description() string {
	return "Checks provider health and reconnects unhealthy providers"
}

func (h *ProviderHealthHandler) Handle(ctx context.Context, _ *Task, progress ProgressFunc) (any, error) {
	progress(10, "probing providers")
	return h.Router.CheckHealth(ctx), nil
}
