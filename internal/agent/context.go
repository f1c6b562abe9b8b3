package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/agentcore/internal/identity"
	"github.com/KafClaw/agentcore/internal/provider"
)

// ContextBuilder assembles the system prompt and messages.
type ContextBuilder struct {
	workspace string
	now       func() time.Time
}

// NewContextBuilder creates a new ContextBuilder.
func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{workspace: expandHome(workspace), now: time.Now}
}

// PromptInputs are the per-run parts of the system prompt.
type PromptInputs struct {
	Task          string
	Route         Route
	Depth         int
	MemoryContext string
}

// BuildSystemPrompt constructs the full system prompt.
func (b *ContextBuilder) BuildSystemPrompt(in PromptInputs) string {
	var parts []string

	parts = append(parts, b.getIdentity(in.Depth))

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	if in.Route.Channel != "" || in.Route.ChatID != "" {
		parts = append(parts, fmt.Sprintf("## Current Session\nChannel: %s\nChat ID: %s", in.Route.Channel, in.Route.ChatID))
	}

	assessment := AssessTask(in.Task)
	if hint := cognitivePromptHint(assessment.CognitiveMode); hint != "" {
		parts = append(parts, hint)
	}

	if in.MemoryContext != "" {
		parts = append(parts, "## Relevant Memory\n\n"+in.MemoryContext)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) getIdentity(depth int) string {
	t := b.now()
	now := t.Format("2006-01-02 15:04 (Monday)")

	// Pre-computed so the model never does date arithmetic.
	yesterday := t.AddDate(0, 0, -1)
	tomorrow := t.AddDate(0, 0, 1)
	dateRef := fmt.Sprintf("- Yesterday: %s (%s)\n- Today: %s (%s)\n- Tomorrow: %s (%s)",
		yesterday.Format("2006-01-02"), yesterday.Format("Monday"),
		t.Format("2006-01-02"), t.Format("Monday"),
		tomorrow.Format("2006-01-02"), tomorrow.Format("Monday"))

	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	role := "You are a helpful, efficient AI agent. Use tools when they help; answer directly when they do not."
	if depth > 0 {
		role = "You are a subagent working on one delegated subtask. You cannot see the parent conversation. Finish the subtask and reply with the result only."
	}

	ws := b.workspace
	if ws == "" {
		ws = "(none)"
	}

	return fmt.Sprintf(`# Agent

%s

## Current Time
%s

## Date Reference (use these; do not compute dates yourself)
%s

## Runtime
%s

## Workspace
%s

Be accurate and concise. Tool results you see are real; do not invent them.`, role, now, dateRef, runtimeInfo, ws)
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	if b.workspace == "" {
		return ""
	}
	var parts []string
	for _, filename := range identity.TemplateNames {
		content, err := os.ReadFile(filepath.Join(b.workspace, filename))
		if err == nil && len(strings.TrimSpace(string(content))) > 0 {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(string(content))))
		}
	}
	return strings.Join(parts, "\n\n")
}

// TaskAssessment holds the result of assessing an incoming message.
type TaskAssessment struct {
	Category      string // "quick-answer", "tool-heavy", "multi-step", "creative", "security"
	CognitiveMode string // "convergent", "divergent", "critical", "systems", "adaptive"
	// Complexity is "easy", "normal" or "hard".
	Complexity string
	// Matched is false when no keyword rule fired.
	Matched bool
}

var assessmentRules = []struct {
	category, mode, complexity string
	keywords                   []string
}{
	{"security", "critical", "hard", []string{"password", "secret", "credential", "permission", "security", "encrypt", "vulnerab"}},
	{"creative", "divergent", "normal", []string{"brainstorm", "idea", "suggest", "creative", "design", "propose", "imagine"}},
	{"multi-step", "systems", "hard", []string{"architect", "infrastructure", "refactor", "redesign", "migration", "plan", "step by step"}},
	{"tool-heavy", "convergent", "normal", []string{"fix", "bug", "error", "broken", "fail", "crash", "debug", "run ", "file", "directory"}},
}

// AssessTask performs a lightweight keyword classification of a message
// to pick a handling strategy and cognitive mode.
func AssessTask(message string) TaskAssessment {
	lower := strings.ToLower(message)
	for _, rule := range assessmentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return TaskAssessment{Category: rule.category, CognitiveMode: rule.mode, Complexity: rule.complexity, Matched: true}
			}
		}
	}
	if len(message) < 50 {
		return TaskAssessment{Category: "quick-answer", CognitiveMode: "adaptive", Complexity: "easy"}
	}
	return TaskAssessment{Category: "multi-step", CognitiveMode: "adaptive", Complexity: "normal"}
}

// cognitivePromptHint returns a system prompt hint for the given cognitive mode.
func cognitivePromptHint(mode string) string {
	switch mode {
	case "convergent":
		return "## Cognitive Mode: Convergent\nFocus on the specific problem. Be systematic, precise, and thorough. Verify your solution step by step."
	case "divergent":
		return "## Cognitive Mode: Divergent\nExplore multiple possibilities. Be creative and consider unconventional approaches. Present options."
	case "critical":
		return "## Cognitive Mode: Critical\nAnalyze carefully. Question assumptions. Check edge cases and security implications."
	case "systems":
		return "## Cognitive Mode: Systems\nThink holistically. Consider connections, dependencies, and architectural implications."
	default:
		return "" // adaptive
	}
}

// BuildMessages lays out system prompt, prior history and the task. The
// transcript after the system prompt always starts with a user turn.
func (b *ContextBuilder) BuildMessages(systemPrompt string, sub TaskSubmission) []provider.Message {
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt},
	}

	history := sub.History
	for len(history) > 0 && history[0].Role != provider.RoleUser {
		history = history[1:]
	}
	for _, msg := range history {
		if msg.Role == provider.RoleSystem {
			continue
		}
		messages = append(messages, msg)
	}

	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: sub.Task,
		Images:  sub.Images,
	})
	return messages
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}
