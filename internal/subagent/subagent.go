// Package subagent runs slow background work for the scheduler.
//
// Tasks are queued with a priority, executed one at a time by a handler
// keyed by task type, and report back only through an outbox the scheduler
// polls. The runtime never calls into the scheduler.
package subagent

import (
	"context"
	"sort"
	"sync"
)

// ProgressFunc reports a status update for the running task. Progress is
// clamped to 0..100.
type ProgressFunc func(progress int, content string)

// Handler executes one task type.
type Handler interface {
	// Type returns the task type this handler serves.
	Type() string

	// Description returns a brief description of what this handler does.
	Description() string

	// Handle runs the task and returns its result.
	Handle(ctx context.Context, task *Task, progress ProgressFunc) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Desc string
	Fn   func(ctx context.Context, task *Task, progress ProgressFunc) (any, error)
}

func (h HandlerFunc) Type() string        { return h.Name }
func (h HandlerFunc) Description() string { return h.Desc }

func (h HandlerFunc) Handle(ctx context.Context, task *Task, progress ProgressFunc) (any, error) {
	return h.Fn(ctx, task, progress)
}

// Registry manages available handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
	}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds a handler, replacing any previous one for the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get retrieves a handler by task type.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// List returns all registered task types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
