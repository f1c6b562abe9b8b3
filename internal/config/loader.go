package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".agentcore"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AGENTCORE"
)

// ConfigPath returns the path to the config file. AGENTCORE_CONFIG wins;
// otherwise config.json, config.yaml or config.yml under ~/.agentcore, the
// first that exists, defaulting to config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AGENTCORE_CONFIG")); explicit != "" {
		return expandHomeWith(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ConfigDir)
	for _, name := range []string{ConfigFile, "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("AGENTCORE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

func expandHomeWith(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from env files first; they never override.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	applyKeyFallbacks(cfg)

	expand := func(p *string) {
		if v, err := expandHomeWith(*p); err == nil {
			*p = v
		}
	}
	expand(&cfg.Paths.Workspace)
	expand(&cfg.Paths.DataDir)

	normalize(cfg)
	return cfg, nil
}

// loadFile decodes path (JSON or YAML, with $include and ${VAR}
// substitution) over cfg.
func loadFile(path string, cfg *Config) error {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return err
	}
	if isYAML(path) {
		// Round-trip through YAML so duration strings like "30s" decode.
		data, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, cfg)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	envconfig.Process(EnvPrefix+"_PATHS", &cfg.Paths)
	envconfig.Process(EnvPrefix+"_AGENT", &cfg.Agent)
	envconfig.Process(EnvPrefix+"_PROVIDERS", &cfg.Providers)
	envconfig.Process(EnvPrefix+"_ANTHROPIC", &cfg.Providers.Anthropic)
	envconfig.Process(EnvPrefix+"_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process(EnvPrefix+"_COMPAT", &cfg.Providers.Compat)
	envconfig.Process(EnvPrefix+"_OLLAMA", &cfg.Providers.Ollama)
	envconfig.Process(EnvPrefix+"_GEMINI", &cfg.Providers.Gemini)
	envconfig.Process(EnvPrefix+"_GOLLM", &cfg.Providers.Gollm)
	envconfig.Process(EnvPrefix+"_INBOX", &cfg.Inbox)
	envconfig.Process(EnvPrefix+"_TOOLS_EXEC", &cfg.Tools.Exec)
	envconfig.Process(EnvPrefix+"_GATEWAY", &cfg.Gateway)
	envconfig.Process(EnvPrefix+"_RELAY_KAFKA", &cfg.Relay.Kafka)
	envconfig.Process(EnvPrefix+"_RELAY_KAFKA", &cfg.Relay.Kafka.Security)
	envconfig.Process(EnvPrefix+"_RELAY_NATS", &cfg.Relay.NATS)
	envconfig.Process(EnvPrefix+"_SCHEDULER", &cfg.Scheduler)
	envconfig.Process(EnvPrefix+"_LOG", &cfg.Log)
}

// applyKeyFallbacks picks up the vendor-conventional variables when no key
// was configured.
func applyKeyFallbacks(cfg *Config) {
	fallback := func(dst *string, names ...string) {
		if *dst != "" {
			return
		}
		for _, n := range names {
			if v := strings.TrimSpace(os.Getenv(n)); v != "" {
				*dst = v
				return
			}
		}
	}
	fallback(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	fallback(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	fallback(&cfg.Providers.Compat.APIKey, "OPENROUTER_API_KEY", "GROQ_API_KEY", "DEEPSEEK_API_KEY", "XAI_API_KEY")
	fallback(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	fallback(&cfg.Providers.Ollama.APIBase, "OLLAMA_HOST")
}

// normalize clamps values a run cannot work with back to defaults.
func normalize(cfg *Config) {
	def := DefaultConfig()
	a := &cfg.Agent
	if a.MaxTurns <= 0 {
		a.MaxTurns = def.Agent.MaxTurns
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = def.Agent.MaxTokens
	}
	if a.TimeoutMs <= 0 {
		a.TimeoutMs = def.Agent.TimeoutMs
	}
	if a.MaxDepth < 0 {
		a.MaxDepth = 0
	}
	if a.MaxRetries < 0 {
		a.MaxRetries = 0
	}
	if a.RetryDelayMs < 0 {
		a.RetryDelayMs = def.Agent.RetryDelayMs
	}
	switch strings.ToLower(strings.TrimSpace(a.ApprovalPolicy)) {
	case "always", "destructive", "never":
		a.ApprovalPolicy = strings.ToLower(strings.TrimSpace(a.ApprovalPolicy))
	default:
		a.ApprovalPolicy = def.Agent.ApprovalPolicy
	}
	switch strings.ToLower(strings.TrimSpace(a.ToolPolicyProfile)) {
	case "minimal", "read-only", "full":
		a.ToolPolicyProfile = strings.ToLower(strings.TrimSpace(a.ToolPolicyProfile))
	default:
		a.ToolPolicyProfile = def.Agent.ToolPolicyProfile
	}
	if a.ApprovalTimeoutS <= 0 {
		a.ApprovalTimeoutS = def.Agent.ApprovalTimeoutS
	}
	if a.MaxConcurrentRuns <= 0 {
		a.MaxConcurrentRuns = def.Agent.MaxConcurrentRuns
	}
	if a.MaxChildrenPerParent <= 0 {
		a.MaxChildrenPerParent = def.Agent.MaxChildrenPerParent
	}
	if cfg.Inbox.ShortThreshold <= 0 {
		cfg.Inbox.ShortThreshold = def.Inbox.ShortThreshold
	}
	if len(cfg.Providers.Chain) == 0 {
		cfg.Providers.Chain = def.Providers.Chain
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = def.Scheduler.MaxConcurrent
	}
}

// Save writes the configuration to the config file, as YAML when the path
// has a YAML extension and JSON otherwise.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(absPath) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
