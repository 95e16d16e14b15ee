package subagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/tools"
	"github.com/elecnix/ai-effort-regulation/internal/transport"
)

type stubRouter struct {
	results    map[string]*tools.Result
	registered []transport.Config
	providers  []tools.ProviderStatus
}

func (s *stubRouter) Invoke(_ context.Context, name string, _ map[string]any) (*tools.Result, error) {
	res, ok := s.results[name]
	if !ok {
		return &tools.Result{Tool: name}, apperrors.ToolNotFound(name)
	}
	return res, nil
}

func (s *stubRouter) Register(_ context.Context, cfg transport.Config) error {
	s.registered = append(s.registered, cfg)
	s.providers = append(s.providers, tools.ProviderStatus{ID: cfg.ID, Kind: cfg.Kind, Health: tools.HealthHealthy})
	return nil
}

func (s *stubRouter) Unregister(id string) error {
	for i, p := range s.providers {
		if p.ID == id {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return nil
		}
	}
	return apperrors.User(apperrors.CodeProviderNotFound, id)
}

func (s *stubRouter) Providers() []tools.ProviderStatus { return s.providers }

func (s *stubRouter) CheckHealth(context.Context) map[string]tools.Health {
	out := make(map[string]tools.Health)
	for _, p := range s.providers {
		out[p.ID] = p.Health
	}
	return out
}

func noProgress(int, string) {}

func TestToolCallHandler(t *testing.T) {
	router := &stubRouter{results: map[string]*tools.Result{
		"weather_forecast": {Tool: "weather_forecast", Text: "sunny", Attempts: 2, Duration: 40 * time.Millisecond},
		"weather_alerts":   {Tool: "weather_alerts", Text: "no station", IsError: true},
	}}
	h := &ToolCallHandler{Router: router}

	out, err := h.Handle(context.Background(), &Task{Params: map[string]any{
		"tool":      "weather_forecast",
		"arguments": map[string]any{"city": "Montreal"},
	}}, noProgress)
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "sunny", res["content"])
	assert.Equal(t, 2, res["attempts"])

	_, err = h.Handle(context.Background(), &Task{Params: map[string]any{"tool": "weather_alerts"}}, noProgress)
	assert.ErrorContains(t, err, "no station")

	_, err = h.Handle(context.Background(), &Task{Params: map[string]any{"tool": "nope_nothing"}}, noProgress)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeToolNotFound))

	_, err = h.Handle(context.Background(), &Task{}, noProgress)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeToolInvalidParams))
}

func TestProviderHandlers(t *testing.T) {
	router := &stubRouter{}
	ctx := context.Background()

	out, err := (&ProviderConnectHandler{Router: router}).Handle(ctx, &Task{Params: map[string]any{
		"id":      "files",
		"kind":    "local",
		"command": "mcp-files",
		"args":    []any{"--root", "/tmp"},
	}}, noProgress)
	require.NoError(t, err)
	assert.Equal(t, "files", out.(tools.ProviderStatus).ID)
	require.Len(t, router.registered, 1)
	assert.Equal(t, []string{"--root", "/tmp"}, router.registered[0].Args)
	assert.Equal(t, transport.KindLocal, router.registered[0].Kind)

	list, err := (&ProviderListHandler{Router: router}).Handle(ctx, &Task{}, noProgress)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	health, err := (&ProviderHealthHandler{Router: router}).Handle(ctx, &Task{}, noProgress)
	require.NoError(t, err)
	assert.Equal(t, tools.HealthHealthy, health.(map[string]tools.Health)["files"])

	_, err = (&ProviderDisconnectHandler{Router: router}).Handle(ctx, &Task{Params: map[string]any{"id": "files"}}, noProgress)
	require.NoError(t, err)
	assert.Empty(t, router.providers)

	_, err = (&ProviderConnectHandler{Router: router}).Handle(ctx, &Task{}, noProgress)
	assert.Error(t, err)
}

func TestFetchHandlerConvertsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "effortd-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		// "Café" in Latin-1.
		_, _ = w.Write([]byte("<html><head><title>Menu</title><script>alert(1)</script></head>" +
			"<body><h1>Caf\xe9</h1><p>Open <b>daily</b>.</p><style>p{}</style></body></html>"))
	}))
	defer srv.Close()

	h := NewFetchHandler(srv.Client(), "effortd-test", 0)
	var updates []int
	out, err := h.Handle(context.Background(), &Task{Params: map[string]any{"url": srv.URL}},
		func(p int, _ string) { updates = append(updates, p) })
	require.NoError(t, err)

	res := out.(*FetchResult)
	assert.Equal(t, "Menu", res.Title)
	assert.Contains(t, res.Content, "# Café")
	assert.Contains(t, res.Content, "**daily**")
	assert.NotContains(t, res.Content, "alert")
	assert.NotContains(t, res.Content, "p{}")
	assert.Equal(t, []int{10, 60}, updates)
}

func TestFetchHandlerTruncatesPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	h := NewFetchHandler(srv.Client(), "", 4)
	out, err := h.Handle(context.Background(), &Task{Params: map[string]any{"url": srv.URL}}, noProgress)
	require.NoError(t, err)
	res := out.(*FetchResult)
	assert.Equal(t, "0123", res.Content)
	assert.True(t, res.Truncated)
}

func TestFetchHandlerRejectsBadInput(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h := NewFetchHandler(srv.Client(), "", 0)
	_, err := h.Handle(context.Background(), &Task{Params: map[string]any{"url": "ftp://example.com"}}, noProgress)
	assert.ErrorContains(t, err, "unsupported URL scheme")

	_, err = h.Handle(context.Background(), &Task{Params: map[string]any{"url": srv.URL}}, noProgress)
	assert.ErrorContains(t, err, "404")
}
