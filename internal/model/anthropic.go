package model

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
)

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	Model       anthropic.Model
	BaseURL     string
	APIKey      string
	MaxTokens   int64
	Temperature float64
	HTTPClient  *http.Client
}

// Anthropic wraps the Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates an Anthropic model.
func NewAnthropic(optFns ...func(o *AnthropicOptions)) *Anthropic {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5HaikuLatest,
		MaxTokens:   1024,
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client, opts: opts}
}

// Name returns the model name.
func (m *Anthropic) Name() string { return string(m.opts.Model) }

// IsAvailable reports whether a model name is configured.
func (m *Anthropic) IsAvailable() bool { return m != nil && m.opts.Model != "" }

// Generate sends one Messages API request.
func (m *Anthropic) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildAnthropicMessages(req.Messages),
		MaxTokens:   maxTokens(req.MaxTokens, m.opts.MaxTokens),
		Temperature: anthropic.Float(m.opts.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
			if props, ok := t.InputSchema["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = requiredFields(t.InputSchema["required"])
			tools[i] = anthropic.ToolUnionParamOfTool(schema, t.Name)
			if t.Description != "" {
				tools[i].OfTool.Description = anthropic.String(t.Description)
			}
		}
		params.Tools = tools
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(err, apperrors.CodeModelUnavailable, "anthropic api error", apperrors.CategoryTemporary)
	}

	out := &Response{
		TokensUsed:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		Model:       string(resp.Model),
		CostSeconds: time.Since(start).Seconds(),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]any{}
			if raw, err := json.Marshal(use.Input); err == nil {
				_ = json.Unmarshal(raw, &args)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	return out, nil
}

// buildAnthropicMessages converts messages, folding consecutive tool results
// into one user turn as the Messages API requires.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flush()
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
