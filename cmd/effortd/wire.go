package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/elecnix/ai-effort-regulation/internal/agent"
	"github.com/elecnix/ai-effort-regulation/internal/config"
	"github.com/elecnix/ai-effort-regulation/internal/energy"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/internal/memory"
	"github.com/elecnix/ai-effort-regulation/internal/model"
	"github.com/elecnix/ai-effort-regulation/internal/prompt"
	"github.com/elecnix/ai-effort-regulation/internal/scheduler"
	"github.com/elecnix/ai-effort-regulation/internal/subagent"
	"github.com/elecnix/ai-effort-regulation/internal/tools"
	"github.com/elecnix/ai-effort-regulation/internal/transport"
	"github.com/elecnix/ai-effort-regulation/internal/workqueue"
)

const version = "0.1.0"

// daemon holds the long-lived components.
type daemon struct {
	store   memory.Store
	router  *tools.Router
	runtime *subagent.Runtime
	loop    *scheduler.Loop
}

// Close releases providers and the database.
func (d *daemon) Close() error {
	return errors.Join(d.router.Close(), d.store.Close())
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	store, err := memory.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rc := cfg.Router
	router := tools.New(func(o *tools.Options) {
		o.CallTimeout = rc.CallTimeout.Duration
		o.MaxAttempts = rc.MaxAttempts
		o.InitialBackoff = rc.InitialBackoff.Duration
		o.MaxBackoff = rc.MaxBackoff.Duration
		o.FailureThreshold = rc.FailureThreshold
		o.MalformedThreshold = rc.MalformedThreshold
		o.BreakerResetTimeout = rc.BreakerResetTimeout.Duration
		o.Logger = logger
	})
	if err := router.ConnectAll(ctx, providerConfigs(cfg.Providers)); err != nil {
		// Failed providers stay registered as disconnected; the health
		// check reconnects them once they come up.
		logger.Warn("some providers failed to connect", logging.Err(err))
	}

	sc := cfg.SubAgent
	fetchClient := &http.Client{Timeout: sc.FetchTimeout.Duration}
	runtime := subagent.New(subagent.NewRegistry(
		&subagent.ToolCallHandler{Router: router},
		&subagent.ProviderConnectHandler{Router: router},
		&subagent.ProviderDisconnectHandler{Router: router},
		&subagent.ProviderListHandler{Router: router},
		&subagent.ProviderHealthHandler{Router: router},
		subagent.NewFetchHandler(fetchClient, sc.UserAgent, int(sc.FetchMaxBytes)),
	), func(o *subagent.Options) {
		o.EnergyPerSecond = sc.EnergyPerSecond
		o.OutboxSize = sc.OutboxSize
		o.Logger = logger
	})

	small, large, err := buildModels(cfg.Models)
	if err != nil {
		_ = router.Close()
		_ = store.Close()
		return nil, err
	}

	responder := agent.NewResponder(&agent.Config{
		Generator:     model.NewRouter(small, large),
		Tools:         router,
		Tasks:         runtime,
		Prompt:        prompt.NewBuilder(),
		Logger:        logger,
		MaxToolRounds: cfg.Scheduler.MaxToolRounds,
		HistoryWindow: cfg.Scheduler.HistoryWindow,
		SlowTools:     cfg.Scheduler.SlowTools,
	})

	ec := cfg.Energy
	acct := energy.New(energy.Config{
		Max:             ec.Max,
		Min:             ec.Min,
		Initial:         ec.Initial,
		ReplenishRate:   ec.ReplenishRate,
		HighThreshold:   ec.HighThreshold,
		MediumThreshold: ec.MediumThreshold,
		LowThreshold:    ec.LowThreshold,
	})

	qc := cfg.Scheduler
	policy := workqueue.DefaultPolicy()
	policy.BackoffBase = qc.BackoffBase.Duration
	policy.BackoffMultiplier = qc.BackoffMultiplier
	policy.BackoffCap = qc.BackoffCap.Duration
	policy.MaxSnoozes = qc.MaxSnoozes

	loopLog := logging.Component(logger, "conversation")
	loop := scheduler.New(acct, workqueue.New(policy), runtime, responder, func(o *scheduler.Options) {
		o.TickInterval = qc.TickInterval.Duration
		o.EnergyPerSecond = ec.EnergyPerSecond
		o.DiagnosticsSize = qc.DiagnosticsSize
		o.Store = store
		o.Logger = logger
		o.OnWorkItemStarted = func(id string) {
			loopLog.Info("conversation started", "item", id)
		}
		o.OnWorkItemEnded = func(id, reason string) {
			loopLog.Info("conversation ended", "item", id, "reason", reason)
		}
	})

	return &daemon{store: store, router: router, runtime: runtime, loop: loop}, nil
}

// providerConfigs maps enabled providers onto transport settings.
func providerConfigs(providers []config.ProviderConfig) []transport.Config {
	var out []transport.Config
	for _, p := range providers {
		if !p.IsEnabled() {
			continue
		}
		out = append(out, transport.Config{
			ID:      p.ID,
			Kind:    transport.Kind(p.Kind),
			Command: p.Command,
			Args:    p.Args,
			Env:     p.Env,
			URL:     p.URL,
			Auth: transport.AuthConfig{
				Type:   p.Auth.Type,
				EnvVar: p.Auth.EnvVar,
				Header: p.Auth.Header,
			},
			ClientName:    "effortd",
			ClientVersion: version,
		})
	}
	return out
}

// buildModels creates the small and large models for the configured
// provider. The API key is read from the environment, never the file.
func buildModels(mc config.ModelConfig) (small, large model.Model, err error) {
	apiKey := ""
	if mc.APIKeyEnv != "" {
		apiKey = os.Getenv(mc.APIKeyEnv)
	}

	switch mc.Provider {
	case "openai":
		mk := func(name string) model.Model {
			return model.NewOpenAI(func(o *model.OpenAIOptions) {
				o.Model = name
				o.BaseURL = mc.BaseURL
				o.APIKey = apiKey
				if mc.MaxTokens > 0 {
					o.MaxTokens = mc.MaxTokens
				}
			})
		}
		return mk(mc.SmallModel), mk(mc.LargeModel), nil
	case "anthropic":
		if apiKey == "" {
			return nil, nil, fmt.Errorf("anthropic provider needs an API key in $%s", mc.APIKeyEnv)
		}
		mk := func(name string) model.Model {
			return model.NewAnthropic(func(o *model.AnthropicOptions) {
				o.Model = anthropic.Model(name)
				o.BaseURL = mc.BaseURL
				o.APIKey = apiKey
				if mc.MaxTokens > 0 {
					o.MaxTokens = mc.MaxTokens
				}
			})
		}
		return mk(mc.SmallModel), mk(mc.LargeModel), nil
	case "mock":
		reply := &model.Response{Text: "Noted."}
		return model.NewMock("mock-small", reply), model.NewMock("mock-large", reply), nil
	default:
		return nil, nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
}
