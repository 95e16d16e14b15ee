// Package protocol provides shared data structures used across effortd
// components. These types can be imported by external tools and extensions.
package protocol

import "time"

// WorkState is the lifecycle state of a conversation.
type WorkState string

const (
	StateActive  WorkState = "active"
	StateSnoozed WorkState = "snoozed"
	StateEnded   WorkState = "ended"
)

// Exchange roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleEvent     = "event"
)

// Exchange is one entry of a conversation's history.
type Exchange struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Model      string    `json:"model,omitempty"`
	EnergyCost float64   `json:"energy_cost,omitempty"`
	At         time.Time `json:"at"`
}

// StateChange is the persisted part of a conversation's state.
type StateChange struct {
	State           WorkState `json:"state"`
	SnoozeUntil     time.Time `json:"snooze_until,omitempty"`
	BackoffExponent int       `json:"backoff_exponent"`
	EnergyConsumed  float64   `json:"energy_consumed"`
	EndReason       string    `json:"end_reason,omitempty"`
}

// ConversationRecord is a conversation as stored by the persistence layer.
type ConversationRecord struct {
	ID           string     `json:"id"`
	PriorityHint float64    `json:"priority_hint"`
	EnergyBudget float64    `json:"energy_budget,omitempty"`
	StateChange             // current state
	History      []Exchange `json:"history"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Inbound is new input for a conversation from an external adapter.
type Inbound struct {
	// ItemID targets an existing conversation; empty starts a new one.
	ItemID       string  `json:"id,omitempty"`
	Content      string  `json:"content"`
	PriorityHint float64 `json:"priority_hint,omitempty"`
	EnergyBudget float64 `json:"energy_budget,omitempty"`
}
