package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KafClaw/agentcore/internal/provider"
)

func user(s string) provider.Message      { return provider.Message{Role: provider.RoleUser, Content: s} }
func assistant(s string) provider.Message { return provider.Message{Role: provider.RoleAssistant, Content: s} }

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append("kafka:c1", user("hi"), assistant("hello")); err != nil {
		t.Fatal(err)
	}

	// A fresh store reads the file back.
	s2, err := NewStore(dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	h := s2.History("kafka:c1")
	if len(h) != 2 || h[0].Content != "hi" || h[1].Role != provider.RoleAssistant {
		t.Fatalf("history = %+v", h)
	}
	if h := s2.History("kafka:other"); len(h) != 0 {
		t.Fatalf("unknown key has history %+v", h)
	}
}

func TestHistoryIsBoundedAndStartsWithUser(t *testing.T) {
	s, err := NewStore(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, turn := range []string{"a", "b", "c"} {
		if err := s.Append("k", user(turn), assistant(turn+"!")); err != nil {
			t.Fatal(err)
		}
	}
	h := s.History("k")
	// The last 3 are b!, c, c!; the leading assistant turn is dropped.
	if len(h) != 2 || h[0].Content != "c" || h[1].Content != "c!" {
		t.Fatalf("history = %+v", h)
	}
}

func TestResetAndList(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append("slack:C1/T2", user("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("kafka:c2", user("y"), assistant("z")); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	keys := map[string]int{}
	for _, i := range infos {
		keys[i.Key] = i.Messages
	}
	if keys["slack:C1/T2"] != 1 || keys["kafka:c2"] != 2 {
		t.Fatalf("keys = %v", keys)
	}

	if err := s.Reset("slack:C1/T2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset("never-seen"); err != nil {
		t.Fatalf("reset of unknown key: %v", err)
	}
	if h := s.History("slack:C1/T2"); len(h) != 0 {
		t.Fatalf("history after reset = %+v", h)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("files after reset = %d", len(entries))
	}
}

func TestKeyEscapingStaysInDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../../etc/passwd", `a\\b`, "100%:x"} {
		p := s.path(key)
		if filepath.Dir(p) != dir {
			t.Errorf("path for %q escapes the store: %s", key, p)
		}
		if got := unescapeKey(escapeKey(key)); got != key {
			t.Errorf("round trip %q -> %q", key, got)
		}
	}
}
