package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiProvider uses the Google GenAI SDK against the Gemini API backend.
type GeminiProvider struct {
	base
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider. The SDK client is created
// lazily on first use because construction needs a context.
func NewGeminiProvider(apiKey string, models TierModels) *GeminiProvider {
	return &GeminiProvider{
		base:   base{id: IDGemini, models: models},
		apiKey: apiKey,
	}
}

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalling: true, Vision: true, Streaming: true}
}

func (p *GeminiProvider) IsAvailable(context.Context) bool { return p.apiKey != "" }

func (p *GeminiProvider) sdk(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &Error{Type: ErrorTypeAuth, Provider: p.id, Err: fmt.Errorf("create Gemini client: %w", err)}
	}
	p.client = client
	return client, nil
}

func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}
	contents, config := p.request(req)
	if len(contents) == 0 {
		return nil, NewError(p.id, ErrorTypeBadRequest, "no conversation messages")
	}
	result, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, ClassifyError(p.id, err)
	}
	out := &ChatResponse{Model: req.Model}
	p.merge(out, result)
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "empty response from Gemini API")
	}
	return out, nil
}

func (p *GeminiProvider) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}
	contents, config := p.request(req)
	if len(contents) == 0 {
		return nil, NewError(p.id, ErrorTypeBadRequest, "no conversation messages")
	}
	out := &ChatResponse{Model: req.Model}
	for result, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return nil, ClassifyError(p.id, err)
		}
		if text := result.Text(); text != "" {
			if err := onChunk(text); err != nil {
				return nil, err
			}
		}
		p.merge(out, result)
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "empty response from Gemini API")
	}
	return out, nil
}

// merge folds one (possibly partial) response into out.
func (p *GeminiProvider) merge(out *ChatResponse, result *genai.GenerateContentResponse) {
	if result == nil {
		return
	}
	out.Content += result.Text()
	for i, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("%s_%d", call.Name, len(out.ToolCalls)+i)
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: call.Name, Arguments: args})
	}
	if len(result.Candidates) > 0 && result.Candidates[0].FinishReason != "" {
		out.FinishReason = string(result.Candidates[0].FinishReason)
	}
	if u := result.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
}

func (p *GeminiProvider) request(req *ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(req.Messages)
	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  geminiSchema(td.Function.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var contents []*genai.Content
	for _, m := range alternate(rest) {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		var parts []*genai.Part
		for _, tr := range m.ToolResults {
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:   tr.CallID,
				Name: tr.Name,
				Response: map[string]any{
					"content":  tr.Text(),
					"is_error": !tr.Success,
				},
			}})
		}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, img := range m.Images {
			if mediaType, data, ok := splitDataURL(img); ok {
				if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mediaType, Data: raw}})
				}
			}
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, config
}

// geminiSchema converts a JSON-schema map into the SDK schema type.
func geminiSchema(raw map[string]any) *genai.Schema {
	if raw == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	schema := &genai.Schema{}
	if desc, ok := raw["description"].(string); ok {
		schema.Description = desc
	}
	typ, _ := raw["type"].(string)
	switch strings.ToLower(typ) {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := raw["items"].(map[string]any); ok {
			schema.Items = geminiSchema(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	case "object", "":
		schema.Type = genai.TypeObject
		props, required := schemaProperties(raw)
		if len(props) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, v := range props {
				sub, _ := v.(map[string]any)
				schema.Properties[name] = geminiSchema(sub)
			}
		}
		schema.Required = required
	default:
		schema.Type = genai.TypeString
	}
	if enum, ok := raw["enum"].([]any); ok {
		for _, v := range enum {
			schema.Enum = append(schema.Enum, fmt.Sprint(v))
		}
	}
	return schema
}
