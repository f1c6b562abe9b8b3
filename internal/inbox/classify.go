// Package inbox routes incoming submissions: commands and trivial chat are
// answered inline, everything else runs through the agent loop.
package inbox

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
)

// DefaultShortThreshold is the input length below which a task goes to the
// loop without a classifier call.
const DefaultShortThreshold = 12

// Kind is the routing decision.
type Kind string

const (
	KindTrivial Kind = "trivial"
	KindAgentic Kind = "agentic"
)

// Command names the inline command a trivial submission carries.
type Command string

const (
	CommandNone    Command = ""
	CommandHelp    Command = "help"
	CommandStatus  Command = "status"
	CommandReset   Command = "reset"
	CommandApprove Command = "approve"
	CommandDeny    Command = "deny"
)

// Classification is the outcome of Classify.
type Classification struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	Complexity string  `json:"complexity,omitempty"`
	Reason     string  `json:"reason"`
	Command    Command `json:"command,omitempty"`
}

const classifierPrompt = `Classify the user's message. Reply with JSON only:
{"kind":"trivial|agentic","complexity":"easy|normal|hard"}
"trivial" means small talk or a question answerable in one short reply without tools.
"agentic" means it needs tools, several steps, or current information.`

// Classify decides how sub is handled. Commands and short inputs never
// reach the provider; ambiguous inputs cost one fast-tier call.
func (r *Router) Classify(ctx context.Context, sub agent.TaskSubmission) Classification {
	task := strings.TrimSpace(sub.Task)

	if cmd := parseCommand(task); cmd != CommandNone {
		return Classification{Kind: KindTrivial, Confidence: 1, Complexity: "easy", Reason: "command", Command: cmd}
	}

	if len(task) < r.shortThreshold {
		return Classification{Kind: KindAgentic, Confidence: 0.6, Complexity: "easy", Reason: "short input"}
	}

	if a := agent.AssessTask(task); a.Matched {
		return Classification{Kind: KindAgentic, Confidence: 0.8, Complexity: a.Complexity, Reason: "keyword: " + a.Category}
	}

	return r.classifyWithProvider(ctx, task)
}

func (r *Router) classifyWithProvider(ctx context.Context, task string) Classification {
	fallback := Classification{Kind: KindAgentic, Confidence: 0.5, Complexity: "normal", Reason: "classifier unavailable"}
	if r.chat == nil || r.noClassifier {
		return fallback
	}
	resp, err := r.chat.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: classifierPrompt},
			{Role: provider.RoleUser, Content: task},
		},
		Tier:        provider.TierFast,
		MaxTokens:   64,
		Temperature: 0,
		Retry:       &provider.RetryPolicy{MaxRetries: 0},
	})
	if err != nil {
		slog.Warn("Classifier call failed", "error", err)
		fallback.Reason = "classifier failed"
		return fallback
	}

	label, ok := parseLabel(resp.Content)
	if !ok {
		slog.Debug("Classifier reply not understood", "reply", resp.Content)
		fallback.Reason = "classifier reply not understood"
		return fallback
	}
	label.Reason = "classifier"
	label.Confidence = 0.7
	return label
}

// parseLabel reads {"kind":...,"complexity":...} from the first JSON object
// in text.
func parseLabel(text string) (Classification, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Classification{}, false
	}
	raw := text[start : end+1]
	if !gjson.Valid(raw) {
		return Classification{}, false
	}
	res := gjson.Parse(raw)
	kind := Kind(strings.ToLower(res.Get("kind").String()))
	if kind != KindTrivial && kind != KindAgentic {
		return Classification{}, false
	}
	complexity := strings.ToLower(res.Get("complexity").String())
	switch complexity {
	case "easy", "normal", "hard":
	default:
		complexity = "normal"
	}
	return Classification{Kind: kind, Complexity: complexity}, true
}

func parseCommand(task string) Command {
	lower := strings.ToLower(task)
	switch {
	case lower == "/help" || strings.HasPrefix(lower, "/help "):
		return CommandHelp
	case lower == "/status" || strings.HasPrefix(lower, "/status "):
		return CommandStatus
	case lower == "/reset":
		return CommandReset
	}
	if _, approved, ok := approval.ParseCommand(task); ok {
		if approved {
			return CommandApprove
		}
		return CommandDeny
	}
	return CommandNone
}
