package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndEnsureDir(t *testing.T) {
	tmpDir := isolateHome(t)

	cfg := DefaultConfig()
	cfg.Agent.MaxTurns = 7
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved config file missing: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Agent.MaxTurns != 7 {
		t.Fatalf("expected saved maxTurns 7, got %d", loaded.Agent.MaxTurns)
	}

	newDir := filepath.Join(tmpDir, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}

func TestSaveYAMLByExtension(t *testing.T) {
	tmpDir := isolateHome(t)
	path := filepath.Join(tmpDir, "agentcore.yaml")
	t.Setenv("AGENTCORE_CONFIG", path)

	if err := Save(DefaultConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if !strings.Contains(string(data), "maxTurns: 30") {
		t.Fatalf("expected YAML output, got:\n%s", data)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, "config.json", `{"agent":`)

	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestSubstituteEnvValuesLeavesUnknownToken(t *testing.T) {
	input := map[string]any{
		"value": "${NOT_SET_VAR_AGENTCORE}",
	}
	out := substituteEnvValues(input).(map[string]any)
	if out["value"] != "${NOT_SET_VAR_AGENTCORE}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}

func TestLoadIncludesAndSubstitutes(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("AC_TEST_OPENAI_KEY", "sk-included")
	writeConfig(t, home, "providers.yaml", `
providers:
  openai:
    apiKey: ${AC_TEST_OPENAI_KEY}
  chain: [openai]
`)
	writeConfig(t, home, "config.json", `{
		"$include": "providers.yaml",
		"gateway": {"port": 1234}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-included" {
		t.Fatalf("expected substituted key from include, got %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Gateway.Port != 1234 {
		t.Fatalf("expected port from main file, got %d", cfg.Gateway.Port)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, "a.json", `{"$include": "config.json"}`)
	writeConfig(t, home, "config.json", `{"$include": ["a.json"]}`)

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}
