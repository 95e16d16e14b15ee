// Package model provides the text generation interface and its adapters.
package model

import "context"

// Model generates text, optionally requesting tool calls.
type Model interface {
	// Generate runs inference on the model.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// IsAvailable checks if the model is ready.
	IsAvailable() bool

	// Name returns the model identifier.
	Name() string
}
