package protocol

import "encoding/json"

// ToolCall represents a request to execute a tool, as produced by the
// generator.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult represents the result of a tool execution through the router.
type ToolResult struct {
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// ToolDefinition describes a tool to the generator. InputSchema is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
