package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScaffoldCreatesPromptFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")

	res, err := ScaffoldWorkspace(dir, false)
	if err != nil {
		t.Fatalf("ScaffoldWorkspace: %v", err)
	}
	if len(res.Errors) > 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	if len(res.Created) != len(TemplateNames) {
		t.Fatalf("created %v, want all of %v", res.Created, TemplateNames)
	}
	for _, name := range TemplateNames {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestScaffoldKeepsEditedFiles(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("# Mine")
	if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ScaffoldWorkspace(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "SOUL.md" {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "SOUL.md"))
	if string(data) != string(custom) {
		t.Fatal("SOUL.md was overwritten")
	}

	res, err = ScaffoldWorkspace(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 0 || len(res.Created) != len(TemplateNames) {
		t.Fatalf("force result = %+v", res)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "SOUL.md"))
	if string(data) == string(custom) {
		t.Fatal("force did not overwrite SOUL.md")
	}
}

func TestScaffoldRejectsEmptyPath(t *testing.T) {
	if _, err := ScaffoldWorkspace("", false); err == nil {
		t.Fatal("expected an error")
	}
}

func TestAgentsTemplateNamesTools(t *testing.T) {
	data, err := Template("AGENTS.md")
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range []string{"delegate_task", "remember", "recall"} {
		if !strings.Contains(string(data), tool) {
			t.Errorf("AGENTS.md does not mention %s", tool)
		}
	}
}
