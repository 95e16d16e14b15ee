package model

import "github.com/elecnix/ai-effort-regulation/pkg/protocol"

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a generation request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request represents a model inference request.
type Request struct {
	System    string                    `json:"system,omitempty"`
	Messages  []Message                 `json:"messages"`
	Tools     []protocol.ToolDefinition `json:"tools,omitempty"`
	MaxTokens int64                     `json:"max_tokens,omitempty"`
}

// Response represents a model inference response.
type Response struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed int        `json:"tokens_used"`
	Model      string     `json:"model"`
	// CostSeconds is the wall-clock time the call took; the scheduler turns
	// it into energy.
	CostSeconds float64 `json:"cost_seconds"`
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Status represents the status of a model.
type Status struct {
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}
