// Package transport talks to external tool providers. Two transports exist:
// a local subprocess speaking the Model Context Protocol over stdio, and a
// remote HTTP endpoint speaking JSON-RPC 2.0.
//
// Transports classify their failures with internal/errors codes so the tool
// router can decide what to retry:
//
//	PROVIDER_TRANSIENT     connection failures, 5xx and 429 responses
//	PROVIDER_FATAL         other 4xx responses
//	PROVIDER_MALFORMED     undecodable responses
//	TOOL_EXECUTION_FAILED  JSON-RPC error objects returned by the provider
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind identifies a transport variant.
type Kind string

const (
	KindLocal Kind = "local"
	KindHTTP  Kind = "http"
)

// Tool is a tool as listed by a provider, before namespacing.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CallResult is a provider's answer to a tool call. IsError marks a failure
// reported by the tool itself, which is not a transport failure.
type CallResult struct {
	Text       string
	Structured json.RawMessage
	IsError    bool
}

// Transport is a connection to one provider.
type Transport interface {
	ID() string
	Kind() Kind
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	Ping(ctx context.Context) error
	Healthy() bool
	Close() error
}

// Config describes how to reach a provider.
type Config struct {
	ID   string
	Kind Kind

	// local
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// http
	URL        string
	Auth       AuthConfig
	HTTPClient *http.Client

	// ClientName and ClientVersion are sent in the initialize handshake.
	ClientName    string
	ClientVersion string
}

func (c Config) clientInfo() (string, string) {
	name, version := c.ClientName, c.ClientVersion
	if name == "" {
		name = "effortd"
	}
	if version == "" {
		version = "1.0.0"
	}
	return name, version
}

// New builds an unconnected transport for cfg.
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("transport: provider id is required")
	}
	switch cfg.Kind {
	case KindLocal:
		if cfg.Command == "" {
			return nil, fmt.Errorf("transport %s: local provider needs a command", cfg.ID)
		}
		return NewLocal(cfg, logger), nil
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("transport %s: http provider needs a url", cfg.ID)
		}
		return NewHTTP(cfg, logger), nil
	default:
		return nil, fmt.Errorf("transport %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}
