package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 8 << 20

// HTTP posts JSON-RPC 2.0 requests to a remote provider.
type HTTP struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	lookup func(string) (string, bool)

	mu        sync.Mutex
	cred      credential
	connected bool

	healthy atomic.Bool
	nextID  atomic.Int64
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithEnvLookup replaces os.LookupEnv for credential resolution.
func WithEnvLookup(lookup func(string) (string, bool)) HTTPOption {
	return func(h *HTTP) { h.lookup = lookup }
}

// NewHTTP creates an unconnected HTTP transport.
func NewHTTP(cfg Config, logger *slog.Logger, opts ...HTTPOption) *HTTP {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	h := &HTTP{
		cfg:    cfg,
		logger: logging.Component(logger, "transport").With("provider", cfg.ID, "kind", KindHTTP),
		client: client,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID returns the provider ID.
func (h *HTTP) ID() string { return h.cfg.ID }

// Kind returns KindHTTP.
func (h *HTTP) Kind() Kind { return KindHTTP }

// Connect resolves credentials and performs the initialize handshake.
func (h *HTTP) Connect(ctx context.Context) error {
	cred, err := resolveAuth(h.cfg.Auth, h.lookup)
	if err != nil {
		return apperrors.NewBuilder(apperrors.CodeProviderConnect, "resolve provider credentials").
			User().
			Wrap(err).
			WithContext("provider", h.cfg.ID).
			Build()
	}

	h.mu.Lock()
	h.cred = cred
	h.connected = true
	h.mu.Unlock()

	name, version := h.cfg.clientInfo()
	var res protocol.InitializeResult
	err = h.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      protocol.Implementation{Name: name, Version: version},
	}, &res)
	if err != nil {
		h.mu.Lock()
		h.connected = false
		h.mu.Unlock()
		return err
	}

	h.logger.Info("http provider connected",
		"server", res.ServerInfo.Name,
		"protocol_version", res.ProtocolVersion,
		"auth", cred.kind)
	return nil
}

// ListTools pages through tools/list.
func (h *HTTP) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	params := protocol.ToolsListParams{}
	for {
		var res protocol.ToolsListResult
		if err := h.call(ctx, protocol.MethodToolsList, params, &res); err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			if t.Name == "" {
				return nil, apperrors.Malformed(h.cfg.ID, errors.New("tool without a name"))
			}
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = res.NextCursor
	}
}

// CallTool invokes tools/call.
func (h *HTTP) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	var res protocol.ToolsCallResult
	if err := h.call(ctx, protocol.MethodToolsCall, protocol.ToolsCallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &CallResult{
		Text:       res.Text(),
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}, nil
}

// Ping sends a ping. A provider that does not implement ping but answers
// with a JSON-RPC error is still reachable and counts as healthy.
func (h *HTTP) Ping(ctx context.Context) error {
	var res json.RawMessage
	err := h.call(ctx, protocol.MethodPing, nil, &res)
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeMethodNotFound {
		h.healthy.Store(true)
		return nil
	}
	return err
}

// Healthy reports whether the last round trip succeeded.
func (h *HTTP) Healthy() bool {
	return h.healthy.Load()
}

// Close marks the transport disconnected. HTTP holds no session.
func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	h.healthy.Store(false)
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) call(ctx context.Context, method string, params, out any) error {
	h.mu.Lock()
	cred, connected := h.cred, h.connected
	h.mu.Unlock()
	if !connected {
		return apperrors.ProviderTransient(h.cfg.ID, errors.New("http provider is not connected"))
	}

	id := h.nextID.Add(1)
	body, err := json.Marshal(protocol.RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return apperrors.NewBuilder(apperrors.CodeToolInvalidParams, "encode request").
			User().
			Wrap(err).
			WithContext("provider", h.cfg.ID).
			Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return apperrors.ProviderFatal(h.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	cred.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.healthy.Store(false)
		return apperrors.ProviderTransient(h.cfg.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.healthy.Store(false)
		return apperrors.ProviderTransient(h.cfg.ID, err)
	}

	if err := h.checkStatus(resp, data); err != nil {
		h.healthy.Store(false)
		return err
	}

	var rpcResp protocol.RPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		h.healthy.Store(false)
		return apperrors.Malformed(h.cfg.ID, err)
	}
	if rpcResp.JSONRPC != "2.0" || string(rpcResp.ID) != strconv.FormatInt(id, 10) {
		h.healthy.Store(false)
		return apperrors.Malformed(h.cfg.ID, fmt.Errorf("unexpected envelope jsonrpc=%q id=%s", rpcResp.JSONRPC, rpcResp.ID))
	}

	h.healthy.Store(true)

	if rpcResp.Error != nil {
		return apperrors.NewBuilder(apperrors.CodeToolExecutionFailed, rpcResp.Error.Message).
			Permanent().
			Wrap(rpcResp.Error).
			WithContext("provider", h.cfg.ID).
			WithContext("method", method).
			WithContext("rpc_code", rpcResp.Error.Code).
			Build()
	}
	if out == nil {
		return nil
	}
	result := rpcResp.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	if err := json.Unmarshal(result, out); err != nil {
		return apperrors.Malformed(h.cfg.ID, fmt.Errorf("%s result: %w", method, err))
	}
	return nil
}

func (h *HTTP) checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 200))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.ProviderRateLimited(h.cfg.ID, statusErr, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return apperrors.ProviderTransient(h.cfg.ID, statusErr)
	default:
		return apperrors.ProviderFatal(h.cfg.ID, statusErr)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
