package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/agentcore/internal/memory"
)

// MemoryStore is the part of the memory service the memory tools need.
type MemoryStore interface {
	Store(ctx context.Context, content, source, tags string) (string, error)
	Search(ctx context.Context, query string, limit int) ([]memory.Fact, error)
}

// RememberTool stores a piece of information in long-term memory.
type RememberTool struct {
	store MemoryStore
}

func NewRememberTool(store MemoryStore) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Store a piece of information in long-term memory for later recall. Use this when the user asks you to remember something."
}
func (t *RememberTool) Tier() int { return TierWrite }

func (t *RememberTool) Params() []Param {
	return []Param{
		{Name: "content", Type: TypeString, Description: "The information to remember", Required: true},
		{Name: "tags", Type: TypeString, Description: "Optional comma-separated tags for categorization"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content := strings.TrimSpace(GetString(params, "content", ""))
	if content == "" {
		return "", fmt.Errorf("content is required")
	}
	id, err := t.store.Store(ctx, content, "user", GetString(params, "tags", ""))
	if err != nil {
		return "", fmt.Errorf("storing memory: %w", err)
	}
	return fmt.Sprintf("Remembered: %q (id: %s)", truncate(content, 80), id), nil
}

// RecallTool searches long-term memory.
type RecallTool struct {
	store MemoryStore
}

func NewRecallTool(store MemoryStore) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Search long-term memory for information relevant to a query. Returns the most relevant stored memories."
}
func (t *RecallTool) Tier() int { return TierReadOnly }

func (t *RecallTool) Params() []Param {
	return []Param{
		{Name: "query", Type: TypeString, Description: "The search query to find relevant memories", Required: true},
		{Name: "limit", Type: TypeInteger, Description: "Maximum number of results (default: 5)"},
	}
}

func (t *RecallTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := GetInt(params, "limit", 5)
	if limit <= 0 {
		limit = 5
	}

	facts, err := t.store.Search(ctx, query, limit)
	if err != nil {
		return "", fmt.Errorf("searching memory: %w", err)
	}
	if len(facts) == 0 {
		return "No relevant memories found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant memories:\n\n", len(facts))
	for i, f := range facts {
		fmt.Fprintf(&sb, "%d. [score=%.2f, source=%s] %s\n", i+1, f.Score, f.Source, f.Content)
	}
	return sb.String(), nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
