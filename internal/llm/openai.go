package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/bindevz/askgate/internal/resilience"
)

// OpenAIDriver talks to the OpenAI Chat Completions API. With a custom
// base URL it also serves OpenAI-compatible servers such as Ollama or
// vLLM, which is why kind is configurable.
type OpenAIDriver struct {
	client openai.Client
	kind   string
}

// NewOpenAIDriver creates a driver. kind is the provider name it
// registers under ("openai", "ollama", ...).
func NewOpenAIDriver(kind, apiKey, baseURL string) *OpenAIDriver {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	if kind == "" {
		kind = "openai"
	}
	return &OpenAIDriver{client: openai.NewClient(opts...), kind: kind}
}

func (d *OpenAIDriver) Kind() string { return d.kind }

func (d *OpenAIDriver) Complete(ctx context.Context, req Request) (*Response, error) {
	completion, err := d.client.Chat.Completions.New(ctx, d.params(req))
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}
	return openAIResponse(completion)
}

func (d *OpenAIDriver) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	stream := d.client.Chat.Completions.NewStreaming(ctx, d.params(req))
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIErr(err)
	}
	return openAIResponse(&acc.ChatCompletion)
}

func (d *OpenAIDriver) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.SystemMessage(strings.TrimSpace(req.System)))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if strings.TrimSpace(m.Content) != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(strings.TrimSpace(req.Model)),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.JSONOnly {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	return params
}

func openAIResponse(completion *openai.ChatCompletion) (*Response, error) {
	resp := &Response{
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	if len(completion.Choices) == 0 {
		return resp, nil
	}
	choice := completion.Choices[0]
	resp.Text = strings.TrimSpace(choice.Message.Content)
	switch choice.FinishReason {
	case "tool_calls":
		resp.StopReason = "tool_use"
	case "length":
		resp.StopReason = "max_tokens"
	case "stop", "":
		resp.StopReason = "end_turn"
	default:
		resp.StopReason = "other"
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   strings.TrimSpace(tc.ID),
			Name: strings.TrimSpace(tc.Function.Name),
			Args: args,
		})
	}
	return resp, nil
}

func wrapOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &resilience.StatusError{Status: apierr.StatusCode, Err: err}
	}
	return err
}
