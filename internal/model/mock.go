package model

import (
	"context"
	"errors"
	"sync"
)

// Mock replays scripted responses in order. Once the script is exhausted it
// repeats the last entry. It is safe for concurrent use.
type Mock struct {
	ModelName string
	Down      bool

	mu       sync.Mutex
	script   []MockStep
	calls    int
	requests []*Request
}

// MockStep is one scripted generation.
type MockStep struct {
	Response *Response
	Err      error
}

// NewMock creates a mock that answers with the given responses.
func NewMock(name string, responses ...*Response) *Mock {
	m := &Mock{ModelName: name}
	for _, r := range responses {
		m.script = append(m.script, MockStep{Response: r})
	}
	return m
}

// Then appends a scripted step.
func (m *Mock) Then(resp *Response, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, MockStep{Response: resp, Err: err})
	return m
}

func (m *Mock) Name() string      { return m.ModelName }
func (m *Mock) IsAvailable() bool { return !m.Down }

// Generate returns the next scripted step.
func (m *Mock) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return nil, errors.New("mock model has no scripted responses")
	}
	step := m.script[min(m.calls, len(m.script)-1)]
	m.calls++
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	if resp.Model == "" {
		resp.Model = m.ModelName
	}
	return &resp, nil
}

// Calls returns the number of Generate calls.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns every request received.
func (m *Mock) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}
