// Package provider implements the LLM provider abstraction, the concrete
// provider variants and the fallback Manager that fronts them.
package provider

import (
	"context"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tier is an abstract quality/cost level. Each provider maps it to a model.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierBest     Tier = "best"
)

// ParseTier accepts the canonical tier names plus the familiar model family
// aliases (haiku, sonnet, opus). Unknown values map to TierBalanced.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "cheap", "haiku", "mini":
		return TierFast
	case "best", "opus", "max":
		return TierBest
	default:
		return TierBalanced
	}
}

// Upgrade returns the next tier up. TierBest stays TierBest.
func (t Tier) Upgrade() Tier {
	switch t {
	case TierFast:
		return TierBalanced
	default:
		return TierBest
	}
}

// Mode is how a provider expresses tool calls.
type Mode string

const (
	// ModeNative providers return structured tool-call blocks with call ids.
	ModeNative Mode = "native"
	// ModeText providers embed tool calls as JSON inside free text.
	ModeText Mode = "text"
)

// Capabilities are the static features a provider declares.
type Capabilities struct {
	NativeToolCalling bool
	Vision            bool
	Streaming         bool
}

// Mode derives the tool-calling mode from the declared capabilities.
func (c Capabilities) Mode() Mode {
	if c.NativeToolCalling {
		return ModeNative
	}
	return ModeText
}

// LLMProvider is one backend in the fallback chain. The set of
// implementations is closed and selected by configuration.
type LLMProvider interface {
	// ID returns the provider identifier used in config and logs.
	ID() string
	// Capabilities reports native tool calling, vision and streaming support.
	Capabilities() Capabilities
	// ModelFor maps an abstract tier to a concrete model name.
	ModelFor(tier Tier) string
	// IsAvailable is a cheap local check (credentials present, endpoint set).
	IsAvailable(ctx context.Context) bool
	// Chat sends a completion request and returns the full response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatStream behaves like Chat but hands text deltas to onChunk as they
	// arrive. A non-nil error from onChunk aborts the stream.
	ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error)
}

// RetryPolicy controls per-provider retries inside the Manager.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages []Message
	// Tools go to native providers. ToolCatalog is the same set rendered
	// for text-protocol providers; the Manager picks one per provider.
	Tools       []ToolDefinition
	ToolCatalog string
	Model       string // optional "provider/model" or bare model override
	Tier        Tier
	MaxTokens   int
	Temperature float64
	// Retry overrides the Manager defaults for this call when non-nil.
	Retry *RetryPolicy
}

// HasImages reports whether any message carries image attachments.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	// Provider, Model and Mode identify who actually served the call.
	Provider string
	Model    string
	Mode     Mode
}

// Message represents one turn of the transcript.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolResults is set on the user turn that follows a tool-call turn.
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall represents a tool call from the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Text renders the result the way it is shown to a model.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Output != "" {
		return "Error: " + r.Error + "\n" + r.Output
	}
	return "Error: " + r.Error
}

// ToolDefinition defines a tool that can be called by the LLM.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function that can be called.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// splitSystem separates system messages (joined) from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// schemaProperties pulls "properties" and "required" out of a JSON schema map.
func schemaProperties(params map[string]any) (map[string]any, []string) {
	props, _ := params["properties"].(map[string]any)
	var required []string
	switch r := params["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}
