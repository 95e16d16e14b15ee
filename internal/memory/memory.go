// Package memory persists conversations: their history and scheduling state.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// ErrNotFound is returned for unknown conversation IDs.
var ErrNotFound = errors.New("conversation not found")

// Filter selects conversations for List.
type Filter struct {
	// States limits results to these states; empty means all.
	States []protocol.WorkState
	// Limit caps the number of results; 0 means no limit.
	Limit int
}

func (f Filter) matches(s protocol.WorkState) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, want := range f.States {
		if want == s {
			return true
		}
	}
	return false
}

// Store persists conversations.
type Store interface {
	// Create records a new conversation. Existing IDs are left untouched.
	Create(ctx context.Context, rec protocol.ConversationRecord) error
	// Get returns a conversation with its full history.
	Get(ctx context.Context, id string) (*protocol.ConversationRecord, error)
	// List returns conversations, oldest first, with their history.
	List(ctx context.Context, f Filter) ([]protocol.ConversationRecord, error)
	// Append adds exchanges to a conversation's history.
	Append(ctx context.Context, id string, exchanges ...protocol.Exchange) error
	// SetState records a state transition.
	SetState(ctx context.Context, id string, change protocol.StateChange) error
	Close() error
}

// InMemoryStore keeps conversations in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*protocol.ConversationRecord
	now   func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*protocol.ConversationRecord),
		now:   time.Now,
	}
}

func (m *InMemoryStore) Create(_ context.Context, rec protocol.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[rec.ID]; ok {
		return nil
	}
	c := copyRecord(rec)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.State == "" {
		c.State = protocol.StateActive
	}
	m.convs[rec.ID] = &c
	return nil
}

func (m *InMemoryStore) Get(_ context.Context, id string) (*protocol.ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(*c)
	return &out, nil
}

func (m *InMemoryStore) List(_ context.Context, f Filter) ([]protocol.ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []protocol.ConversationRecord
	for _, c := range m.convs {
		if f.matches(c.State) {
			out = append(out, copyRecord(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *InMemoryStore) Append(_ context.Context, id string, exchanges ...protocol.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.History = append(c.History, exchanges...)
	c.UpdatedAt = m.now()
	return nil
}

func (m *InMemoryStore) SetState(_ context.Context, id string, change protocol.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.StateChange = change
	c.UpdatedAt = m.now()
	return nil
}

func (m *InMemoryStore) Close() error { return nil }

func copyRecord(rec protocol.ConversationRecord) protocol.ConversationRecord {
	rec.History = append([]protocol.Exchange(nil), rec.History...)
	return rec
}
