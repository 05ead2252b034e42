package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bindevz/askgate/internal/resilience"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicDriver talks to the Anthropic Messages API.
type AnthropicDriver struct {
	client anthropic.Client
}

// NewAnthropicDriver creates a driver. baseURL may be empty for the
// default endpoint.
func NewAnthropicDriver(apiKey, baseURL string) *AnthropicDriver {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicDriver{client: anthropic.NewClient(opts...)}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

func (d *AnthropicDriver) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := d.client.Messages.New(ctx, d.params(req))
	if err != nil {
		return nil, wrapAnthropicErr(err)
	}
	return anthropicResponse(msg), nil
}

func (d *AnthropicDriver) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	stream := d.client.Messages.NewStreaming(ctx, d.params(req))
	msg := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && onDelta != nil {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicErr(err)
	}
	return anthropicResponse(&msg), nil
}

func (d *AnthropicDriver) params(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  anthropicMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	system := strings.TrimSpace(req.System)
	if req.JSONOnly {
		// The Messages API has no JSON response mode; the instruction
		// plus prefilled "{" keeps the output parseable.
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range req.Tools {
		props := t.Schema["properties"]
		var required []string
		if raw, ok := t.Schema["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: props, Required: required},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &param})
	}
	return params
}

func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func anthropicResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason: mapAnthropicStop(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   strings.TrimSpace(variant.ID),
				Name: strings.TrimSpace(variant.Name),
				Args: args,
			})
		}
	}
	resp.Text = strings.TrimSpace(text.String())
	return resp
}

func mapAnthropicStop(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "end_turn"
	case anthropic.StopReasonToolUse:
		return "tool_use"
	case anthropic.StopReasonMaxTokens:
		return "max_tokens"
	default:
		return "other"
	}
}

func wrapAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &resilience.StatusError{Status: apierr.StatusCode, Err: err}
	}
	return err
}
