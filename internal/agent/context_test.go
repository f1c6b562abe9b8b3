package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/agentcore/internal/identity"
	"github.com/KafClaw/agentcore/internal/provider"
)

func TestBuildSystemPrompt(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "SOUL.md"), []byte("Be kind.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewContextBuilder(ws)
	b.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	prompt := b.BuildSystemPrompt(PromptInputs{
		Task:          "please debug this crash",
		Route:         Route{Channel: "slack", ChatID: "C1"},
		MemoryContext: "- the service runs on port 8080",
	})
	for _, want := range []string{
		"Today: 2026-03-04 (Wednesday)",
		"Yesterday: 2026-03-03",
		"## SOUL.md\n\nBe kind.",
		"Channel: slack",
		"Cognitive Mode: Convergent",
		"## Relevant Memory",
		"port 8080",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "## Tools") {
		t.Error("the tool catalog is added per provider, not in the base prompt")
	}
	if strings.Contains(prompt, "subagent") {
		t.Error("top-level prompt must not use the subagent role")
	}

	child := b.BuildSystemPrompt(PromptInputs{Task: "x", Depth: 1})
	if !strings.Contains(child, "You are a subagent") {
		t.Error("expected subagent role at depth 1")
	}
}

func TestAssessTask(t *testing.T) {
	tests := []struct {
		msg, category, complexity string
	}{
		{"rotate the database password", "security", "hard"},
		{"brainstorm names for the project", "creative", "normal"},
		{"plan the migration to the new cluster", "multi-step", "hard"},
		{"fix the failing test", "tool-heavy", "normal"},
		{"hi", "quick-answer", "easy"},
		{strings.Repeat("tell me more about that ", 4), "multi-step", "normal"},
	}
	for _, tt := range tests {
		a := AssessTask(tt.msg)
		if a.Category != tt.category || a.Complexity != tt.complexity {
			t.Errorf("%q: got %s/%s, want %s/%s", tt.msg, a.Category, a.Complexity, tt.category, tt.complexity)
		}
	}
	if AssessTask("hi").Matched {
		t.Error("fallback assessment must not report a keyword match")
	}
}

func TestBuildMessagesDropsLeadingNonUser(t *testing.T) {
	b := NewContextBuilder("")
	msgs := b.BuildMessages("sys", TaskSubmission{
		Task:   "now",
		Images: []string{"data:image/png;base64,AAA"},
		History: []provider.Message{
			{Role: provider.RoleAssistant, Content: "stray"},
			{Role: provider.RoleSystem, Content: "old system"},
			{Role: provider.RoleUser, Content: "q1"},
			{Role: provider.RoleSystem, Content: "mid system"},
			{Role: provider.RoleAssistant, Content: "a1"},
		},
	})
	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,user" {
		t.Fatalf("unexpected roles %s", got)
	}
	if last := msgs[len(msgs)-1]; last.Content != "now" || len(last.Images) != 1 {
		t.Fatalf("unexpected task message %+v", last)
	}
}

func TestScaffoldedWorkspaceFeedsPrompt(t *testing.T) {
	ws := t.TempDir()
	if _, err := identity.ScaffoldWorkspace(ws, false); err != nil {
		t.Fatal(err)
	}
	prompt := NewContextBuilder(ws).BuildSystemPrompt(PromptInputs{Task: "hello there"})
	agents := strings.Index(prompt, "## AGENTS.md")
	soul := strings.Index(prompt, "## SOUL.md")
	user := strings.Index(prompt, "## USER.md")
	if agents < 0 || soul < agents || user < soul {
		t.Fatalf("workspace files missing or out of order: %d %d %d", agents, soul, user)
	}
}
