package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaProvider talks to a local or remote Ollama server.
type OllamaProvider struct {
	base
	hostURL string
	client  *api.Client
}

// NewOllamaProvider creates an Ollama provider. An empty or invalid base
// URL falls back to the local default.
func NewOllamaProvider(apiBase string, models TierModels) *OllamaProvider {
	if apiBase == "" {
		apiBase = ollamaDefaultURL
	}
	parsed, err := url.Parse(apiBase)
	if err != nil {
		parsed, _ = url.Parse(ollamaDefaultURL)
	}
	return &OllamaProvider{
		base:    base{id: IDOllama, models: models},
		hostURL: parsed.String(),
		client:  api.NewClient(parsed, http.DefaultClient),
	}
}

// Native tool calling depends on the pulled model; the qwen/llama families
// used by the default tier map support it.
func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalling: true, Vision: false, Streaming: true}
}

// IsAvailable only checks that an endpoint is configured. A server that is
// down surfaces as a retryable error from Chat.
func (p *OllamaProvider) IsAvailable(context.Context) bool { return p.hostURL != "" }

func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.chat(ctx, req, false, nil)
}

func (p *OllamaProvider) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	return p.chat(ctx, req, true, onChunk)
}

func (p *OllamaProvider) chat(ctx context.Context, req *ChatRequest, stream bool, onChunk func(string) error) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, NewError(p.id, ErrorTypeBadRequest, "message list cannot be empty")
	}
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: convertOllamaMessages(req.Messages),
		Stream:   &stream,
		Options:  options,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOllamaTools(req.Tools)
	}

	out := &ChatResponse{Model: req.Model}
	var content strings.Builder
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if onChunk != nil {
				if err := onChunk(resp.Message.Content); err != nil {
					return err
				}
			}
		}
		for i, call := range resp.Message.ToolCalls {
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(out.ToolCalls)+i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        id,
				Name:      call.Function.Name,
				Arguments: map[string]any(call.Function.Arguments),
			})
		}
		if resp.Done {
			out.FinishReason = resp.DoneReason
			out.Usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, ClassifyError(p.id, err)
	}
	out.Content = content.String()
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "empty response from Ollama")
	}
	return out, nil
}

// convertOllamaMessages maps the transcript onto Ollama messages. Tool
// results become separate "tool" role messages.
func convertOllamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		for _, tr := range m.ToolResults {
			out = append(out, api.Message{Role: "tool", Content: tr.Text(), ToolCallID: tr.CallID})
		}
		if len(m.ToolResults) > 0 && m.Content == "" {
			continue
		}
		msg := api.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
				ID: tc.ID,
				Function: api.ToolCallFunction{
					Name:      tc.Name,
					Arguments: api.ToolCallFunctionArguments(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertOllamaTools(defs []ToolDefinition) api.Tools {
	out := make(api.Tools, 0, len(defs))
	for _, td := range defs {
		props, required := schemaProperties(td.Function.Parameters)
		properties := make(map[string]api.ToolProperty, len(props))
		for name, raw := range props {
			properties[name] = ollamaProperty(raw)
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return out
}

func ollamaProperty(raw any) api.ToolProperty {
	schema, _ := raw.(map[string]any)
	typ, _ := schema["type"].(string)
	if typ == "" {
		typ = "string"
	}
	desc, _ := schema["description"].(string)
	prop := api.ToolProperty{Type: api.PropertyType{typ}, Description: desc}
	if enum, ok := schema["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := schema["items"]; ok {
		prop.Items = items
	}
	return prop
}
