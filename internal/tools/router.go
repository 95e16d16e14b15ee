// Package tools routes namespaced tool calls to external providers.
//
// Every provider registers under an ID; its tools become dispatchable as
// "<providerID>_<toolName>", so two providers may expose the same tool name
// without colliding. Calls retry transient failures with exponential
// backoff, and a per-provider circuit breaker stops routing to a provider
// after repeated failures until it is reconnected or, when a reset timeout is
// set, until a trial call succeeds.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/internal/transport"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// Separator joins provider IDs and tool names.
const Separator = "_"

// Health is a provider's routing state.
type Health string

const (
	HealthUnknown      Health = "unknown"
	HealthHealthy      Health = "healthy"
	HealthUnhealthy    Health = "unhealthy"
	HealthDisconnected Health = "disconnected"
)

// Descriptor is a dispatchable tool.
type Descriptor struct {
	NamespacedName string         `json:"name"`
	OriginalName   string         `json:"original_name"`
	ProviderID     string         `json:"provider_id"`
	Description    string         `json:"description"`
	Schema         map[string]any `json:"input_schema"`
}

// ProviderStatus is a snapshot of one provider connection.
type ProviderStatus struct {
	ID                  string         `json:"id"`
	Kind                transport.Kind `json:"kind"`
	Health              Health         `json:"health"`
	Tools               []string       `json:"tools"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	MalformedCount      int            `json:"malformed_count"`
	LastError           string         `json:"last_error,omitempty"`
	ConnectedAt         time.Time      `json:"connected_at,omitempty"`
}

// Result is the outcome of Invoke. It is returned on failure too, carrying
// the attempt count and elapsed time.
type Result struct {
	Tool       string
	ProviderID string
	Text       string
	Structured json.RawMessage
	IsError    bool
	Attempts   int
	Duration   time.Duration
}

// Protocol converts the result to its wire form.
func (r *Result) Protocol() protocol.ToolResult {
	return protocol.ToolResult{
		Content:    r.Text,
		Structured: r.Structured,
		IsError:    r.IsError,
		Attempts:   r.Attempts,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// Dialer builds a transport for a provider config.
type Dialer func(cfg transport.Config, logger *slog.Logger) (transport.Transport, error)

// Options configures a Router.
type Options struct {
	// CallTimeout bounds every single attempt.
	CallTimeout time.Duration
	// MaxAttempts is the total number of attempts for transient failures.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold int
	// MalformedThreshold consecutive malformed responses open the breaker.
	MalformedThreshold int
	// BreakerResetTimeout lets one trial call through an open breaker once
	// it has elapsed. Zero keeps the breaker open until reconnect.
	BreakerResetTimeout time.Duration

	Logger *slog.Logger
	Dialer Dialer
}

type provider struct {
	cfg         transport.Config
	tr          transport.Transport
	health      Health
	breaker     *apperrors.CircuitBreaker
	malformed   int
	tools       []string
	lastErr     string
	connectedAt time.Time
}

// Router dispatches namespaced tool calls to provider transports.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]*provider
	tools     map[string]Descriptor
}

// New creates a router with no providers.
func New(optFns ...func(o *Options)) *Router {
	opts := Options{
		CallTimeout:        30 * time.Second,
		MaxAttempts:        3,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		Jitter:             true,
		FailureThreshold:   5,
		MalformedThreshold: 3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.New
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MalformedThreshold < 1 {
		opts.MalformedThreshold = 1
	}

	return &Router{
		opts:      opts,
		logger:    logging.Component(opts.Logger, "tools"),
		providers: make(map[string]*provider),
		tools:     make(map[string]Descriptor),
	}
}

// Namespace returns the dispatchable name of a provider's tool.
func Namespace(providerID, tool string) string {
	return providerID + Separator + tool
}

// Register connects a provider, discovers its tools and makes them
// dispatchable. Duplicate IDs are rejected. A provider that fails to connect
// stays registered as disconnected so the health check can bring it up
// later; its error is still returned.
func (r *Router) Register(ctx context.Context, cfg transport.Config) error {
	if cfg.ID == "" || strings.Contains(cfg.ID, Separator) {
		return apperrors.User(apperrors.CodeProviderConnect, fmt.Sprintf("invalid provider id %q", cfg.ID))
	}

	r.mu.Lock()
	if _, exists := r.providers[cfg.ID]; exists {
		r.mu.Unlock()
		return apperrors.User(apperrors.CodeProviderExists, "provider already registered: "+cfg.ID)
	}
	p := &provider{
		cfg:    cfg,
		health: HealthUnknown,
		breaker: apperrors.NewCircuitBreaker(cfg.ID, &apperrors.CircuitBreakerConfig{
			MaxFailures:  r.opts.FailureThreshold,
			ResetTimeout: r.opts.BreakerResetTimeout,
		}),
	}
	r.providers[cfg.ID] = p
	r.mu.Unlock()

	tr, err := r.opts.Dialer(cfg, r.logger)
	if err == nil {
		err = r.connect(ctx, p, tr)
	}
	if err != nil {
		r.mu.Lock()
		p.health = HealthDisconnected
		p.lastErr = err.Error()
		r.mu.Unlock()
		r.logger.Warn("provider registration failed", "provider", cfg.ID, logging.Err(err))
		return err
	}

	r.logger.Info("provider registered", "provider", cfg.ID, "kind", cfg.Kind, "tools", len(p.tools))
	return nil
}

// connect runs the handshake and discovery for p on tr and publishes its
// tools. A provider unregistered meanwhile is not published. The caller must
// not hold r.mu.
func (r *Router) connect(ctx context.Context, p *provider, tr transport.Transport) error {
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		return err
	}
	listed, err := tr.ListTools(ctx)
	if err != nil {
		_ = tr.Close()
		return err
	}

	descs := make([]Descriptor, 0, len(listed))
	for _, t := range listed {
		descs = append(descs, Descriptor{
			NamespacedName: Namespace(p.cfg.ID, t.Name),
			OriginalName:   t.Name,
			ProviderID:     p.cfg.ID,
			Description:    t.Description,
			Schema:         t.InputSchema,
		})
	}

	r.mu.Lock()
	if r.providers[p.cfg.ID] != p {
		r.mu.Unlock()
		_ = tr.Close()
		return apperrors.User(apperrors.CodeProviderNotFound, "provider unregistered while connecting: "+p.cfg.ID)
	}
	defer r.mu.Unlock()
	for _, name := range p.tools {
		delete(r.tools, name)
	}
	p.tools = p.tools[:0]
	for _, d := range descs {
		r.tools[d.NamespacedName] = d
		p.tools = append(p.tools, d.NamespacedName)
	}
	sort.Strings(p.tools)
	p.tr = tr
	p.health = HealthHealthy
	p.malformed = 0
	p.lastErr = ""
	p.connectedAt = time.Now()
	p.breaker.Reset()
	return nil
}

// ConnectAll registers providers concurrently. A failing provider never
// prevents the others from registering; all failures are joined.
func (r *Router) ConnectAll(ctx context.Context, cfgs []transport.Config) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, cfg := range cfgs {
		g.Go(func() error {
			if err := r.Register(ctx, cfg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("provider %s: %w", cfg.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Unregister closes a provider and removes its tools.
func (r *Router) Unregister(id string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.User(apperrors.CodeProviderNotFound, "unknown provider: "+id)
	}
	for _, name := range p.tools {
		delete(r.tools, name)
	}
	delete(r.providers, id)
	tr := p.tr
	r.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	r.logger.Info("provider unregistered", "provider", id)
	return nil
}

// Reconnect replaces a provider's transport with a fresh connection and
// rediscovers its tools. On failure the provider stays registered and is
// marked disconnected.
func (r *Router) Reconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	var old transport.Transport
	if ok {
		old, p.tr = p.tr, nil
	}
	r.mu.Unlock()
	if !ok {
		return apperrors.User(apperrors.CodeProviderNotFound, "unknown provider: "+id)
	}

	if old != nil {
		_ = old.Close()
	}
	tr, err := r.opts.Dialer(p.cfg, r.logger)
	if err == nil {
		err = r.connect(ctx, p, tr)
	}
	if err != nil {
		r.mu.Lock()
		p.health = HealthDisconnected
		p.lastErr = err.Error()
		r.mu.Unlock()
		r.logger.Warn("provider reconnect failed", "provider", id, logging.Err(err))
		return err
	}
	r.logger.Info("provider reconnected", "provider", id, "tools", len(p.tools))
	return nil
}

// CheckHealth probes every provider. Healthy providers that fail the probe
// record a failure; unhealthy or disconnected providers are reconnected when
// their probe succeeds or their transport is no longer alive.
func (r *Router) CheckHealth(ctx context.Context) map[string]Health {
	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make(map[string]Health, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		p, ok := r.providers[id]
		var health Health
		var tr transport.Transport
		if ok {
			health, tr = p.health, p.tr
		}
		r.mu.RUnlock()
		if !ok {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.callTimeout())
		var probeErr error
		if tr == nil {
			probeErr = errors.New("no transport")
		} else {
			probeErr = tr.Ping(probeCtx)
		}
		cancel()

		switch {
		case health == HealthHealthy && probeErr != nil:
			r.record(p, probeErr)
		case health != HealthHealthy && (probeErr == nil || tr == nil || !tr.Healthy()):
			_ = r.Reconnect(ctx, id)
		}

		r.mu.RLock()
		out[id] = p.health
		r.mu.RUnlock()
	}
	return out
}

// RunHealthChecks calls CheckHealth every interval until ctx is done.
func (r *Router) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

func (r *Router) callTimeout() time.Duration {
	if r.opts.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return r.opts.CallTimeout
}

// Invoke calls a namespaced tool. Unknown names fail with TOOL_NOT_FOUND and
// unhealthy providers with PROVIDER_UNHEALTHY, both without contacting the
// provider; an open breaker past its reset timeout admits one trial call. Transient failures and timeouts are retried; when attempts run
// out, or the provider's breaker opens, the call fails with PROVIDER_FATAL.
// A tool that reports its own error returns a Result with IsError set.
func (r *Router) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	start := time.Now()
	result := &Result{Tool: name}
	finish := func(err error) (*Result, error) {
		result.Duration = time.Since(start)
		return result, err
	}

	r.mu.RLock()
	desc, ok := r.tools[name]
	var p *provider
	if ok {
		p = r.providers[desc.ProviderID]
	}
	r.mu.RUnlock()
	if !ok || p == nil {
		return finish(apperrors.ToolNotFound(name))
	}
	result.ProviderID = p.cfg.ID

	r.mu.RLock()
	health, tr := p.health, p.tr
	r.mu.RUnlock()
	if tr == nil || health == HealthDisconnected || !p.breaker.Allow() {
		return finish(apperrors.ProviderUnhealthy(p.cfg.ID))
	}

	policy := &apperrors.Policy{
		MaxAttempts:  r.opts.MaxAttempts,
		InitialDelay: r.opts.InitialBackoff,
		MaxDelay:     r.opts.MaxBackoff,
		Multiplier:   2,
		Jitter:       r.opts.Jitter,
		RetryIf: func(err error) bool {
			return ctx.Err() == nil && apperrors.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.Debug("retrying tool call",
				"tool", name, "attempt", attempt, "delay", delay, logging.Err(err))
		},
	}

	out, err := apperrors.DoWithResult(ctx, policy, func() (*transport.CallResult, error) {
		result.Attempts++
		res, err := apperrors.WithTimeout(ctx, name, r.callTimeout(), func(callCtx context.Context) (*transport.CallResult, error) {
			return tr.CallTool(callCtx, desc.OriginalName, args)
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if opened := r.record(p, err); opened {
			return nil, apperrors.ProviderFatal(p.cfg.ID, err)
		}
		return res, err
	})

	if err != nil {
		var exhausted *apperrors.ExhaustedError
		if errors.As(err, &exhausted) {
			err = apperrors.ProviderFatal(p.cfg.ID, exhausted.Last)
		}
		if appErr, ok := err.(*apperrors.AppError); ok && appErr.Context != nil {
			appErr.Context["tool"] = name
			appErr.Context["attempts"] = result.Attempts
		}
		r.logger.Warn("tool call failed",
			"tool", name, "provider", p.cfg.ID, "attempts", result.Attempts,
			"code", apperrors.GetCode(err), logging.Err(err))
		return finish(err)
	}

	result.Text = out.Text
	result.Structured = out.Structured
	result.IsError = out.IsError
	return finish(nil)
}

// record updates provider health after one attempt and reports whether this
// attempt opened the breaker.
func (r *Router) record(p *provider, err error) (opened bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasOpen := p.breaker.State() == apperrors.StateOpen
	switch {
	case err == nil, apperrors.HasCode(err, apperrors.CodeToolExecutionFailed):
		// The provider answered; the tool itself may have failed.
		p.breaker.Record(nil)
		p.malformed = 0
		if p.health == HealthUnknown || p.health == HealthUnhealthy {
			p.health = HealthHealthy
		}
		return false
	case apperrors.HasCode(err, apperrors.CodeProviderMalformed):
		p.malformed++
		p.lastErr = err.Error()
		if p.malformed >= r.opts.MalformedThreshold || p.breaker.State() == apperrors.StateHalfOpen {
			p.breaker.Trip()
		}
	default:
		p.lastErr = err.Error()
		p.breaker.Record(err)
	}

	if !wasOpen && p.breaker.State() == apperrors.StateOpen {
		p.health = HealthUnhealthy
		r.logger.Warn("provider marked unhealthy",
			"provider", p.cfg.ID,
			"failures", p.breaker.Failures(),
			"malformed", p.malformed)
		return true
	}
	return false
}

// Lookup returns the descriptor of a namespaced tool.
func (r *Router) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Tools returns all dispatchable tools sorted by name.
func (r *Router) Tools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NamespacedName < out[j].NamespacedName })
	return out
}

// Definitions returns tool definitions for the generator, limited to healthy
// providers.
func (r *Router) Definitions() []protocol.ToolDefinition {
	r.mu.RLock()
	healthy := make(map[string]bool, len(r.providers))
	for id, p := range r.providers {
		healthy[id] = p.health == HealthHealthy
	}
	r.mu.RUnlock()

	var defs []protocol.ToolDefinition
	for _, d := range r.Tools() {
		if !healthy[d.ProviderID] {
			continue
		}
		defs = append(defs, protocol.ToolDefinition{
			Name:        d.NamespacedName,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return defs
}

// Providers returns a status snapshot of every provider sorted by ID.
func (r *Router) Providers() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderStatus{
			ID:                  p.cfg.ID,
			Kind:                p.cfg.Kind,
			Health:              p.health,
			Tools:               append([]string(nil), p.tools...),
			ConsecutiveFailures: p.breaker.Failures(),
			MalformedCount:      p.malformed,
			LastError:           p.lastErr,
			ConnectedAt:         p.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every provider transport and marks them disconnected.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, p := range r.providers {
		if p.tr == nil {
			continue
		}
		if err := p.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		p.health = HealthDisconnected
	}
	return errors.Join(errs...)
}
