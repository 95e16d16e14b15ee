package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// Auth types for HTTP providers.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// DefaultAPIKeyHeader is used when an api_key provider names no header.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthConfig names where a provider credential comes from. The credential
// itself is read from the environment variable at connect time.
type AuthConfig struct {
	Type   string
	EnvVar string
	Header string
}

// Secret holds a credential. Every printing path redacts it.
type Secret struct {
	value string
}

// NewSecret wraps a credential.
func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the raw credential for use on the wire.
func (s Secret) Reveal() string { return s.value }

// Empty reports whether no credential is held.
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string { return "[REDACTED]" }

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return "transport.Secret{[REDACTED]}" }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[REDACTED]") }

// credential is a resolved AuthConfig.
type credential struct {
	kind   string
	header string
	secret Secret
}

// resolveAuth reads the credential for cfg through lookup.
func resolveAuth(cfg AuthConfig, lookup func(string) (string, bool)) (credential, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	switch cfg.Type {
	case "", AuthNone:
		return credential{kind: AuthNone}, nil
	case AuthBearer, AuthAPIKey:
		if cfg.EnvVar == "" {
			return credential{}, fmt.Errorf("%s auth needs an environment variable", cfg.Type)
		}
		v, ok := lookup(cfg.EnvVar)
		if !ok || v == "" {
			return credential{}, fmt.Errorf("%s auth: environment variable %s is not set", cfg.Type, cfg.EnvVar)
		}
		c := credential{kind: cfg.Type, secret: NewSecret(v), header: cfg.Header}
		if c.kind == AuthAPIKey && c.header == "" {
			c.header = DefaultAPIKeyHeader
		}
		return c, nil
	default:
		return credential{}, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

// apply sets the credential header on req.
func (c credential) apply(req *http.Request) {
	switch c.kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.secret.Reveal())
	case AuthAPIKey:
		req.Header.Set(c.header, c.secret.Reveal())
	}
}
