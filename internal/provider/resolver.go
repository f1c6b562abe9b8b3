package provider

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/agentcore/internal/config"
)

// Provider variant identifiers.
const (
	IDAnthropic = "anthropic"
	IDOpenAI    = "openai"
	IDCompat    = "compat"
	IDOllama    = "ollama"
	IDGemini    = "gemini"
	IDGollm     = "gollm"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"claude":     IDAnthropic,
	"google":     IDGemini,
	"openrouter": IDCompat,
	"groq":       IDCompat,
	"deepseek":   IDCompat,
	"vllm":       IDCompat,
	"xai":        IDCompat,
	"grok":       IDCompat,
	"local":      IDOllama,
	"text":       IDGollm,
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter-style names ("compat/vendor/model") the remainder keeps its slash.
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	providerID = strings.ToLower(parts[0])
	modelName = parts[1]
	return
}

// TierModels maps tiers to concrete model names.
type TierModels map[Tier]string

// For returns the model for tier, falling back to the balanced model.
func (t TierModels) For(tier Tier) string {
	if m, ok := t[tier]; ok && m != "" {
		return m
	}
	return t[TierBalanced]
}

// defaultTierModels are used when config names no models for a provider.
var defaultTierModels = map[string]TierModels{
	IDAnthropic: {TierFast: "claude-haiku-4-5", TierBalanced: "claude-sonnet-4-5", TierBest: "claude-opus-4-1"},
	IDOpenAI:    {TierFast: "gpt-4.1-mini", TierBalanced: "gpt-4.1", TierBest: "o3"},
	IDCompat:    {TierFast: "openai/gpt-4.1-mini", TierBalanced: "anthropic/claude-sonnet-4.5", TierBest: "anthropic/claude-opus-4.1"},
	IDOllama:    {TierFast: "llama3.2:3b", TierBalanced: "qwen2.5:14b", TierBest: "llama3.3:70b"},
	IDGemini:    {TierFast: "gemini-2.5-flash-lite", TierBalanced: "gemini-2.5-flash", TierBest: "gemini-2.5-pro"},
	IDGollm:     {TierFast: "gpt-4o-mini", TierBalanced: "gpt-4o", TierBest: "gpt-4o"},
}

// tierModelsFor merges configured overrides over the defaults for id.
func tierModelsFor(id string, configured map[string]string) TierModels {
	out := TierModels{}
	for k, v := range defaultTierModels[id] {
		out[k] = v
	}
	for k, v := range configured {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[ParseTier(k)] = v
	}
	return out
}

// base carries the fields every variant shares.
type base struct {
	id     string
	models TierModels
}

func (b *base) ID() string { return b.id }

func (b *base) ModelFor(tier Tier) string { return b.models.For(tier) }

// BuildChain constructs the providers named in cfg.Chain, in order. Unknown
// names are a configuration error; providers without credentials are still
// built and report IsAvailable=false so the Manager skips them.
func BuildChain(cfg config.ProvidersConfig) ([]LLMProvider, error) {
	chain := cfg.Chain
	if len(chain) == 0 {
		chain = []string{IDAnthropic, IDOpenAI}
	}
	out := make([]LLMProvider, 0, len(chain))
	seen := map[string]bool{}
	for _, raw := range chain {
		id := NormalizeProviderID(raw)
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := buildProvider(cfg, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	slog.Debug("Provider chain built", "chain", chain)
	return out, nil
}

func buildProvider(cfg config.ProvidersConfig, id string) (LLMProvider, error) {
	switch id {
	case IDAnthropic:
		return NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.APIBase, tierModelsFor(id, cfg.Anthropic.Models)), nil
	case IDOpenAI:
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.APIBase, tierModelsFor(id, cfg.OpenAI.Models)), nil
	case IDCompat:
		return NewCompatProvider(cfg.Compat.APIKey, cfg.Compat.APIBase, tierModelsFor(id, cfg.Compat.Models)), nil
	case IDOllama:
		return NewOllamaProvider(cfg.Ollama.APIBase, tierModelsFor(id, cfg.Ollama.Models)), nil
	case IDGemini:
		return NewGeminiProvider(cfg.Gemini.APIKey, tierModelsFor(id, cfg.Gemini.Models)), nil
	case IDGollm:
		return NewGollmProvider(cfg.Gollm.Backend, cfg.Gollm.APIKey, tierModelsFor(id, cfg.Gollm.Models)), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}
