package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolateHome points HOME at a temp dir and clears the overrides Load reads.
func isolateHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	for _, k := range []string{"AGENTCORE_CONFIG", "AGENTCORE_HOME", "AGENTCORE_ENV_FILE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return tmpDir
}

func writeConfig(t *testing.T, home, name, body string) string {
	t.Helper()
	configDir := filepath.Join(home, ".agentcore")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.MaxTurns != 30 {
		t.Errorf("expected maxTurns 30, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.MaxTokens != 200000 {
		t.Errorf("expected maxTokens 200000, got %d", cfg.Agent.MaxTokens)
	}
	if cfg.Agent.TimeoutMs != 600000 {
		t.Errorf("expected timeout 600000ms, got %d", cfg.Agent.TimeoutMs)
	}
	if cfg.Agent.ModelTier != "balanced" {
		t.Errorf("expected tier balanced, got %s", cfg.Agent.ModelTier)
	}
	if cfg.Agent.MaxDepth != 3 || cfg.Agent.MaxRetries != 3 || cfg.Agent.RetryDelayMs != 1000 {
		t.Errorf("unexpected depth/retry defaults: %+v", cfg.Agent)
	}
	if cfg.Agent.ApprovalPolicy != "destructive" || cfg.Agent.ToolPolicyProfile != "full" {
		t.Errorf("unexpected policy defaults: %s/%s", cfg.Agent.ApprovalPolicy, cfg.Agent.ToolPolicyProfile)
	}
	if !cfg.Agent.FailOpenOnParse {
		t.Error("expected failOpenOnParse true by default")
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected gateway host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("expected gateway port 18790, got %d", cfg.Gateway.Port)
	}
	if !cfg.Tools.Exec.RestrictToWorkspace {
		t.Error("expected RestrictToWorkspace to be true by default")
	}
	if cfg.Tools.Exec.Timeout != 60*time.Second {
		t.Errorf("expected exec timeout 60s, got %v", cfg.Tools.Exec.Timeout)
	}
	if cfg.Inbox.ShortThreshold != 12 {
		t.Errorf("expected short threshold 12, got %d", cfg.Inbox.ShortThreshold)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agent.ResponseMaxTokens != 8192 {
		t.Errorf("expected responseMaxTokens 8192, got %d", cfg.Agent.ResponseMaxTokens)
	}
	if cfg.Paths.DataDir != filepath.Join(home, ".agentcore") {
		t.Errorf("expected data dir expanded under home, got %s", cfg.Paths.DataDir)
	}
	if cfg.Paths.TimelinePath() != filepath.Join(home, ".agentcore", "timeline.db") {
		t.Errorf("unexpected timeline path %s", cfg.Paths.TimelinePath())
	}
}

func TestLoadFromFile(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, "config.json", `{
		"agent": {
			"maxTurns": 12,
			"approvalPolicy": "always"
		},
		"providers": {
			"chain": ["ollama", "gemini"]
		},
		"gateway": {
			"port": 9999
		}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agent.MaxTurns != 12 {
		t.Errorf("expected maxTurns 12, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.ApprovalPolicy != "always" {
		t.Errorf("expected policy always, got %s", cfg.Agent.ApprovalPolicy)
	}
	if len(cfg.Providers.Chain) != 2 || cfg.Providers.Chain[0] != "ollama" {
		t.Errorf("unexpected chain %v", cfg.Providers.Chain)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	// Untouched groups keep their defaults.
	if cfg.Agent.MaxTokens != 200000 {
		t.Errorf("expected default maxTokens kept, got %d", cfg.Agent.MaxTokens)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, "config.yaml", `
agent:
  maxDepth: 1
  toolPolicyProfile: read-only
tools:
  exec:
    timeout: 15s
scheduler:
  enabled: true
  jobs:
    - name: digest
      schedule: "0 9 * * *"
      task: summarize the inbox
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agent.MaxDepth != 1 {
		t.Errorf("expected maxDepth 1, got %d", cfg.Agent.MaxDepth)
	}
	if cfg.Agent.ToolPolicyProfile != "read-only" {
		t.Errorf("expected read-only profile, got %s", cfg.Agent.ToolPolicyProfile)
	}
	if cfg.Tools.Exec.Timeout != 15*time.Second {
		t.Errorf("expected exec timeout 15s, got %v", cfg.Tools.Exec.Timeout)
	}
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Name != "digest" {
		t.Errorf("unexpected scheduler config %+v", cfg.Scheduler)
	}
}

func TestEnvOverride(t *testing.T) {
	isolateHome(t)
	t.Setenv("AGENTCORE_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("AGENTCORE_GATEWAY_PORT", "8080")
	t.Setenv("AGENTCORE_AGENT_MAX_TURNS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0 from env, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("expected port 8080 from env, got %d", cfg.Gateway.Port)
	}
	if cfg.Agent.MaxTurns != 5 {
		t.Errorf("expected maxTurns 5 from env, got %d", cfg.Agent.MaxTurns)
	}
}

func TestAPIKeyFallbacks(t *testing.T) {
	isolateHome(t)
	t.Setenv("AGENTCORE_ANTHROPIC_API_KEY", "")
	os.Unsetenv("AGENTCORE_ANTHROPIC_API_KEY")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("expected anthropic key from ANTHROPIC_API_KEY, got %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.Gemini.APIKey != "g-key" {
		t.Errorf("expected gemini key from GOOGLE_API_KEY, got %q", cfg.Providers.Gemini.APIKey)
	}
}

func TestNormalizeRestoresUnusableValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.MaxTurns = 0
	cfg.Agent.MaxDepth = -2
	cfg.Agent.ApprovalPolicy = "sometimes"
	cfg.Agent.ToolPolicyProfile = " Minimal "
	cfg.Providers.Chain = nil

	normalize(cfg)

	if cfg.Agent.MaxTurns != 30 {
		t.Errorf("expected maxTurns restored to 30, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.MaxDepth != 0 {
		t.Errorf("expected negative depth clamped to 0, got %d", cfg.Agent.MaxDepth)
	}
	if cfg.Agent.ApprovalPolicy != "destructive" {
		t.Errorf("expected unknown policy replaced, got %s", cfg.Agent.ApprovalPolicy)
	}
	if cfg.Agent.ToolPolicyProfile != "minimal" {
		t.Errorf("expected profile normalized to minimal, got %q", cfg.Agent.ToolPolicyProfile)
	}
	if len(cfg.Providers.Chain) == 0 {
		t.Error("expected default chain restored")
	}
}
