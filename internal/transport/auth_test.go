package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretNeverPrints(t *testing.T) {
	s := NewSecret("hunter2")

	assert.Equal(t, "hunter2", s.Reveal())
	assert.NotContains(t, fmt.Sprintf("%v %s %+v %#v", s, s, s, s), "hunter2")

	raw, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("auth", "token", s)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

func TestResolveAuth(t *testing.T) {
	env := func(k string) (string, bool) {
		if k == "TOKEN" {
			return "abc", true
		}
		return "", false
	}

	c, err := resolveAuth(AuthConfig{}, env)
	require.NoError(t, err)
	assert.Equal(t, AuthNone, c.kind)

	c, err = resolveAuth(AuthConfig{Type: AuthAPIKey, EnvVar: "TOKEN", Header: "X-Custom"}, env)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	c.apply(req)
	assert.Equal(t, "abc", req.Header.Get("X-Custom"))

	_, err = resolveAuth(AuthConfig{Type: AuthBearer}, env)
	assert.Error(t, err)
	_, err = resolveAuth(AuthConfig{Type: AuthBearer, EnvVar: "MISSING"}, env)
	assert.Error(t, err)
	_, err = resolveAuth(AuthConfig{Type: "oauth"}, env)
	assert.Error(t, err)
}
