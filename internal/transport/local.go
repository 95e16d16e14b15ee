package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
)

// Local runs a provider as a subprocess and speaks MCP to it over stdio.
type Local struct {
	cfg    Config
	logger *slog.Logger

	// dial builds the MCP transport; it spawns the subprocess by default.
	dial func() mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
	alive   atomic.Bool
}

// LocalOption configures a Local transport.
type LocalOption func(*Local)

// WithMCPTransport replaces the subprocess with another MCP transport, such
// as an in-memory pipe.
func WithMCPTransport(dial func() mcp.Transport) LocalOption {
	return func(l *Local) { l.dial = dial }
}

// NewLocal creates an unconnected local transport.
func NewLocal(cfg Config, logger *slog.Logger, opts ...LocalOption) *Local {
	l := &Local{
		cfg:    cfg,
		logger: logging.Component(logger, "transport").With("provider", cfg.ID, "kind", KindLocal),
	}
	l.dial = l.command
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) command() mcp.Transport {
	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	cmd.Dir = l.cfg.Dir
	if len(l.cfg.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(l.cfg.Env))
		for k := range l.cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+os.ExpandEnv(l.cfg.Env[k]))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

// ID returns the provider ID.
func (l *Local) ID() string { return l.cfg.ID }

// Kind returns KindLocal.
func (l *Local) Kind() Kind { return KindLocal }

// Connect spawns the process and completes the initialize handshake. An
// existing session is closed first.
func (l *Local) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		_ = l.session.Close()
		l.session = nil
		l.alive.Store(false)
	}

	name, version := l.cfg.clientInfo()
	client := mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)
	session, err := client.Connect(ctx, l.dial(), nil)
	if err != nil {
		return apperrors.NewBuilder(apperrors.CodeProviderConnect, "start local provider").
			Temporary().
			Wrap(err).
			WithContext("provider", l.cfg.ID).
			WithContext("command", l.cfg.Command).
			Build()
	}

	l.session = session
	l.alive.Store(true)
	go func() {
		err := session.Wait()
		l.mu.Lock()
		current := l.session == session
		l.mu.Unlock()
		if current {
			l.alive.Store(false)
			l.logger.Warn("local provider exited", logging.Err(err))
		}
	}()

	l.logger.Info("local provider connected", "command", l.cfg.Command)
	return nil
}

func (l *Local) current() (*mcp.ClientSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || !l.alive.Load() {
		return nil, apperrors.ProviderTransient(l.cfg.ID, errors.New("local provider is not running"))
	}
	return l.session, nil
}

// ListTools pages through tools/list.
func (l *Local) ListTools(ctx context.Context) ([]Tool, error) {
	session, err := l.current()
	if err != nil {
		return nil, err
	}

	var tools []Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, l.classify(ctx, err)
		}
		for _, t := range res.Tools {
			schema, err := schemaMap(t.InputSchema)
			if err != nil {
				return nil, apperrors.Malformed(l.cfg.ID, fmt.Errorf("tool %s schema: %w", t.Name, err))
			}
			tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes tools/call.
func (l *Local) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	session, err := l.current()
	if err != nil {
		return nil, err
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, l.classify(ctx, err)
	}

	out := &CallResult{IsError: res.IsError}
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out.Text = strings.Join(parts, "\n")
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, apperrors.Malformed(l.cfg.ID, err)
		}
		out.Structured = raw
	}
	return out, nil
}

// Ping checks the session with a ping round trip.
func (l *Local) Ping(ctx context.Context) error {
	session, err := l.current()
	if err != nil {
		return err
	}
	if err := session.Ping(ctx, nil); err != nil {
		return l.classify(ctx, err)
	}
	return nil
}

// Healthy reports whether the process is running and the handshake
// completed.
func (l *Local) Healthy() bool {
	return l.alive.Load()
}

// Close ends the session and the subprocess.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.alive.Store(false)
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}

// classify maps an SDK error onto the provider taxonomy. Context errors are
// returned unchanged so callers can tell a deadline from a failure.
func (l *Local) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return apperrors.NewBuilder(apperrors.CodeToolExecutionFailed, wire.Message).
			Permanent().
			Wrap(err).
			WithContext("provider", l.cfg.ID).
			WithContext("rpc_code", wire.Code).
			Build()
	}
	if errors.Is(err, mcp.ErrConnectionClosed) {
		l.alive.Store(false)
	}
	return apperrors.ProviderTransient(l.cfg.ID, err)
}

// schemaMap normalizes whatever the SDK decoded as a schema into a map.
func schemaMap(v any) (map[string]any, error) {
	switch s := v.(type) {
	case nil:
		return map[string]any{"type": "object"}, nil
	case map[string]any:
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
