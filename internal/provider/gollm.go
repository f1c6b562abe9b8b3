package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"

	"github.com/KafClaw/agentcore/internal/tokens"
)

// GollmProvider is the text-protocol variant. It routes through gollm to any
// backend gollm supports and flattens the transcript into a single prompt.
// Tool calls are never native here: the loop injects the text catalog and
// interprets JSON in the reply.
type GollmProvider struct {
	base
	backend string
	apiKey  string

	mu   sync.Mutex
	llms map[string]gollm.LLM // by model; gollm options are per instance
}

// NewGollmProvider creates a text-mode provider for the given gollm backend
// (openai, anthropic, groq, ollama, ...).
func NewGollmProvider(backend, apiKey string, models TierModels) *GollmProvider {
	if backend == "" {
		backend = "openai"
	}
	if apiKey == "" && backend != "ollama" {
		apiKey = gollmKeyFromEnv(backend)
	}
	return &GollmProvider{
		base:    base{id: IDGollm, models: models},
		backend: backend,
		apiKey:  apiKey,
		llms:    make(map[string]gollm.LLM),
	}
}

func (p *GollmProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalling: false, Vision: false, Streaming: true}
}

// IsAvailable requires a key unless the backend is a local ollama.
func (p *GollmProvider) IsAvailable(context.Context) bool {
	return p.apiKey != "" || p.backend == "ollama"
}

func (p *GollmProvider) instance(model string, maxTokens int, temperature float64) (gollm.LLM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if llm, ok := p.llms[model]; ok {
		return llm, nil
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(p.backend),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if p.apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(p.apiKey))
	}
	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, &Error{Type: ErrorTypeBadRequest, Provider: p.id, Err: fmt.Errorf("create gollm %s client: %w", p.backend, err)}
	}
	p.llms[model] = llm
	return llm, nil
}

func (p *GollmProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	llm, err := p.instance(req.Model, req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}
	prompt, promptText := p.prompt(req)
	text, err := llm.Generate(ctx, prompt)
	if err != nil {
		return nil, ClassifyError(p.id, err)
	}
	return p.response(req, promptText, text)
}

func (p *GollmProvider) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	llm, err := p.instance(req.Model, req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}
	if !llm.SupportsStreaming() {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := onChunk(resp.Content); err != nil {
			return nil, err
		}
		return resp, nil
	}

	prompt, promptText := p.prompt(req)
	stream, err := llm.Stream(ctx, prompt)
	if err != nil {
		return nil, ClassifyError(p.id, err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		token, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ClassifyError(p.id, err)
		}
		if token == nil || token.Text == "" {
			continue
		}
		full.WriteString(token.Text)
		if err := onChunk(token.Text); err != nil {
			return nil, err
		}
	}
	return p.response(req, promptText, full.String())
}

// prompt flattens the transcript: system messages become the system prompt,
// everything else is rendered as labelled turns.
func (p *GollmProvider) prompt(req *ChatRequest) (*gollm.Prompt, string) {
	system, rest := splitSystem(req.Messages)
	var parts []string
	for _, m := range rest {
		for _, tr := range m.ToolResults {
			label := "[Tool Result]"
			if !tr.Success {
				label = "[Tool Error]"
			}
			parts = append(parts, fmt.Sprintf("%s %s: %s", label, tr.Name, tr.Text()))
		}
		if m.Content == "" {
			continue
		}
		if m.Role == RoleAssistant {
			parts = append(parts, "[Assistant]: "+m.Content)
		} else {
			parts = append(parts, m.Content)
		}
	}
	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = "Hello"
	}
	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	return gollm.NewPrompt(text, opts...), system + "\n" + text
}

// response builds the result. gollm does not surface usage, so it is
// estimated with the tokenizer.
func (p *GollmProvider) response(req *ChatRequest, promptText, text string) (*ChatResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "empty response from gollm")
	}
	in := tokens.Count(promptText)
	out := tokens.Count(text)
	return &ChatResponse{
		Content:      text,
		FinishReason: "stop",
		Model:        req.Model,
		Usage:        Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// gollmKeyFromEnv picks the conventional API key variable for a backend.
func gollmKeyFromEnv(backend string) string {
	return os.Getenv(strings.ToUpper(backend) + "_API_KEY")
}
