package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider talks to the Anthropic Messages API with native tool use.
type AnthropicProvider struct {
	base
	apiKey string
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider. SDK retries are
// disabled; the Manager owns retry and fallback.
func NewAnthropicProvider(apiKey, apiBase string, models TierModels) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	return &AnthropicProvider{
		base:   base{id: IDAnthropic, models: models},
		apiKey: apiKey,
		client: anthropic.NewClient(opts...),
	}
}

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalling: true, Vision: true, Streaming: true}
}

func (p *AnthropicProvider) IsAvailable(context.Context) bool { return p.apiKey != "" }

func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, ClassifyError(p.id, err)
	}
	return p.convertResponse(resp)
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &Error{Type: ErrorTypeTransient, Provider: p.id, Err: fmt.Errorf("accumulate stream: %w", err)}
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := onChunk(delta.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, ClassifyError(p.id, err)
	}
	return p.convertResponse(&message)
}

func (p *AnthropicProvider) params(req *ChatRequest) (anthropic.MessageNewParams, error) {
	system, rest := splitSystem(req.Messages)
	turns := alternate(rest)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, NewError(p.id, ErrorTypeBadRequest, "no conversation messages")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Text(), !tr.Success))
		}
		for _, img := range m.Images {
			if mediaType, data, ok := splitDataURL(img); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			}
		}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock("(empty)"))
		}
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, td := range req.Tools {
			props, required := schemaProperties(td.Function.Parameters)
			tool := anthropic.ToolParam{
				Name:        td.Function.Name,
				Description: anthropic.String(td.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   required,
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	return params, nil
}

func (p *AnthropicProvider) convertResponse(resp *anthropic.Message) (*ChatResponse, error) {
	if resp == nil || len(resp.Content) == 0 {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "empty response from Anthropic API")
	}
	out := &ChatResponse{
		FinishReason: string(resp.StopReason),
		Model:        string(resp.Model),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			args := map[string]any{}
			if len(toolUse.Input) > 0 {
				if err := json.Unmarshal(toolUse.Input, &args); err != nil {
					return nil, NewError(p.id, ErrorTypeEmptyResponse, fmt.Sprintf("parse tool input: %v", err))
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: toolUse.ID, Name: toolUse.Name, Arguments: args})
		}
	}
	return out, nil
}
