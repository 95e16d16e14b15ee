package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

type rpcHandler func(method string, params json.RawMessage) (any, *protocol.RPCError)

func newRPCServer(t *testing.T, handle rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func weatherProvider(method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case protocol.MethodInitialize:
		return protocol.InitializeResult{ProtocolVersion: protocol.ProtocolVersion, ServerInfo: protocol.Implementation{Name: "weather"}}, nil
	case protocol.MethodToolsList:
		var p protocol.ToolsListParams
		_ = json.Unmarshal(params, &p)
		if p.Cursor == "" {
			return protocol.ToolsListResult{
				Tools:      []protocol.RemoteTool{{Name: "forecast", Description: "Weather forecast", InputSchema: map[string]any{"type": "object"}}},
				NextCursor: "page2",
			}, nil
		}
		return protocol.ToolsListResult{Tools: []protocol.RemoteTool{{Name: "alerts"}}}, nil
	case protocol.MethodToolsCall:
		var p protocol.ToolsCallParams
		_ = json.Unmarshal(params, &p)
		if p.Name == "alerts" {
			return protocol.ToolsCallResult{Content: []protocol.ContentBlock{{Type: "text", Text: "no station"}}, IsError: true}, nil
		}
		return protocol.ToolsCallResult{Content: []protocol.ContentBlock{
			{Type: "text", Text: "sunny in " + p.Arguments["city"].(string)},
		}}, nil
	case protocol.MethodPing:
		return map[string]any{}, nil
	}
	return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "method not found"}
}

func TestHTTPConnectListCall(t *testing.T) {
	srv := newRPCServer(t, weatherProvider)
	h := NewHTTP(Config{ID: "weather", Kind: KindHTTP, URL: srv.URL}, logging.Discard())
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx))
	assert.True(t, h.Healthy())

	tools, err := h.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "forecast", tools[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, tools[1].InputSchema)

	res, err := h.CallTool(ctx, "forecast", map[string]any{"city": "Montreal"})
	require.NoError(t, err)
	assert.Equal(t, "sunny in Montreal", res.Text)
	assert.False(t, res.IsError)

	res, err = h.CallTool(ctx, "alerts", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	require.NoError(t, h.Ping(ctx))
	require.NoError(t, h.Close())
	assert.False(t, h.Healthy())
}

func TestHTTPCallBeforeConnect(t *testing.T) {
	h := NewHTTP(Config{ID: "p", URL: "http://127.0.0.1:1"}, nil)
	_, err := h.CallTool(context.Background(), "x", nil)
	assert.Equal(t, apperrors.CodeProviderTransient, apperrors.GetCode(err))
}

func TestHTTPBearerAuth(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"x","serverInfo":{"name":"s"}}}`))
	}))
	defer srv.Close()

	env := map[string]string{"SEARCH_TOKEN": "tok-123"}
	h := NewHTTP(Config{ID: "search", URL: srv.URL, Auth: AuthConfig{Type: AuthBearer, EnvVar: "SEARCH_TOKEN"}},
		nil, WithEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, "Bearer tok-123", seen.Load())
}

func TestHTTPAPIKeyDefaultHeader(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(DefaultAPIKeyHeader))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	h := NewHTTP(Config{ID: "kb", URL: srv.URL, Auth: AuthConfig{Type: AuthAPIKey, EnvVar: "KB_KEY"}},
		nil, WithEnvLookup(func(string) (string, bool) { return "k-9", true }))
	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, "k-9", seen.Load())
}

func TestHTTPMissingCredential(t *testing.T) {
	h := NewHTTP(Config{ID: "kb", URL: "http://unused", Auth: AuthConfig{Type: AuthBearer, EnvVar: "ABSENT"}},
		nil, WithEnvLookup(func(string) (string, bool) { return "", false }))
	err := h.Connect(context.Background())
	assert.Equal(t, apperrors.CodeProviderConnect, apperrors.GetCode(err))
	assert.Equal(t, apperrors.CategoryUser, apperrors.GetCategory(err))
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusServiceUnavailable, apperrors.CodeProviderTransient, true},
		{http.StatusTooManyRequests, apperrors.CodeProviderTransient, true},
		{http.StatusUnauthorized, apperrors.CodeProviderFatal, false},
		{http.StatusNotFound, apperrors.CodeProviderFatal, false},
	}
	for _, tc := range cases {
		var status atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s := status.Load(); s != 0 {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(int(s))
				return
			}
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
		}))

		h := NewHTTP(Config{ID: "p", URL: srv.URL}, nil)
		require.NoError(t, h.Connect(context.Background()))
		status.Store(int32(tc.status))

		_, err := h.CallTool(context.Background(), "x", nil)
		assert.Equal(t, tc.code, apperrors.GetCode(err), "status %d", tc.status)
		assert.Equal(t, tc.retryable, apperrors.IsRetryable(err), "status %d", tc.status)
		if tc.status == http.StatusTooManyRequests {
			assert.Equal(t, apperrors.CategoryRateLimit, apperrors.GetCategory(err))
			assert.Equal(t, 2*time.Second, apperrors.GetRetryAfter(err))
		}
		assert.False(t, h.Healthy())
		srv.Close()
	}
}

func TestHTTPMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
			return
		}
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	h := NewHTTP(Config{ID: "p", URL: srv.URL}, nil)
	require.NoError(t, h.Connect(context.Background()))
	_, err := h.ListTools(context.Background())
	assert.Equal(t, apperrors.CodeProviderMalformed, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestHTTPRPCErrorIsToolFailure(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *protocol.RPCError) {
		if method == protocol.MethodToolsCall {
			return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "city required"}
		}
		if method == protocol.MethodPing {
			return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "no ping"}
		}
		return map[string]any{}, nil
	})

	h := NewHTTP(Config{ID: "p", URL: srv.URL}, nil)
	require.NoError(t, h.Connect(context.Background()))

	_, err := h.CallTool(context.Background(), "forecast", nil)
	assert.Equal(t, apperrors.CodeToolExecutionFailed, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "city required")

	assert.NoError(t, h.Ping(context.Background()), "method-not-found still proves liveness")
}

func TestHTTPContextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 {
			var req protocol.RPCRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Method == protocol.MethodToolsCall {
				select {
				case <-block:
				case <-r.Context().Done():
				}
				return
			}
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()
	defer close(block)

	h := NewHTTP(Config{ID: "p", URL: srv.URL}, nil)
	require.NoError(t, h.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.CallTool(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Kind: KindHTTP, URL: "http://x"}, nil)
	assert.Error(t, err)
	_, err = New(Config{ID: "a", Kind: KindLocal}, nil)
	assert.Error(t, err)
	_, err = New(Config{ID: "a", Kind: "grpc"}, nil)
	assert.Error(t, err)

	tr, err := New(Config{ID: "a", Kind: KindHTTP, URL: "http://x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, tr.Kind())
	assert.Equal(t, "a", tr.ID())
}
