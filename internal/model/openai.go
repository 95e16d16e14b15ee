package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
)

// OpenAIOptions configure the OpenAI-compatible adapter. Any server
// implementing Chat Completions works, including Ollama and OpenRouter.
type OpenAIOptions struct {
	Model       string
	BaseURL     string
	APIKey      string
	MaxTokens   int64
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI wraps the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an OpenAI-compatible model.
func NewOpenAI(optFns ...func(o *OpenAIOptions)) *OpenAI {
	opts := OpenAIOptions{
		Model:       openai.ChatModelGPT4oMini,
		MaxTokens:   1024,
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	} else {
		// Local servers accept any key; the SDK still requires one.
		clientOpts = append(clientOpts, option.WithAPIKey("none"))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, opts: opts}
}

// Name returns the model name.
func (m *OpenAI) Name() string { return m.opts.Model }

// IsAvailable reports whether a model name is configured.
func (m *OpenAI) IsAvailable() bool { return m != nil && m.opts.Model != "" }

// Generate sends one chat completion request.
func (m *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	params := openai.ChatCompletionNewParams{
		Messages:    buildOpenAIMessages(req),
		Model:       m.opts.Model,
		Temperature: openai.Float(m.opts.Temperature),
		MaxTokens:   openai.Int(maxTokens(req.MaxTokens, m.opts.MaxTokens)),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.InputSchema),
				},
			}
		}
		params.Tools = tools
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(err, apperrors.CodeModelUnavailable, "openai api error", apperrors.CategoryTemporary)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.Permanent(apperrors.CodeModelInvalidResponse, "no choices returned")
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Text:        msg.Content,
		TokensUsed:  int(resp.Usage.TotalTokens),
		Model:       resp.Model,
		CostSeconds: time.Since(start).Seconds(),
	}
	if out.Model == "" {
		out.Model = m.opts.Model
	}
	for _, tc := range msg.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeModelInvalidResponse,
				fmt.Sprintf("tool call %s has invalid arguments", tc.Function.Name), apperrors.CategoryPermanent)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func buildOpenAIMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				raw, _ := json.Marshal(tc.Arguments)
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(raw),
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	return messages
}

func decodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func maxTokens(req, def int64) int64 {
	if req > 0 {
		return req
	}
	return def
}
