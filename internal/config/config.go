// Package config provides configuration types and loading for agentcore.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Agent, Providers, Inbox, Tools, Gateway, Relay,
// Scheduler, Log.
type Config struct {
	Paths     PathsConfig     `json:"paths" yaml:"paths"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Inbox     InboxConfig     `json:"inbox" yaml:"inbox"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace string `json:"workspace" yaml:"workspace" envconfig:"WORKSPACE"`
	DataDir   string `json:"dataDir" yaml:"dataDir" envconfig:"DATA_DIR"`
}

// TimelinePath is the sqlite database holding runs, approvals and usage.
func (p PathsConfig) TimelinePath() string {
	return joinPath(p.DataDir, "timeline.db")
}

// SessionsDir holds per-conversation history for bus channels.
func (p PathsConfig) SessionsDir() string {
	return joinPath(p.DataDir, "sessions")
}

// ---------------------------------------------------------------------------
// Agent – run limits and loop behaviour
// ---------------------------------------------------------------------------

// AgentConfig holds the RunConfig defaults plus process-wide limits.
type AgentConfig struct {
	MaxTurns          int     `json:"maxTurns" yaml:"maxTurns" envconfig:"MAX_TURNS"`
	MaxTokens         int     `json:"maxTokens" yaml:"maxTokens" envconfig:"MAX_TOKENS"`
	TimeoutMs         int     `json:"timeoutMs" yaml:"timeoutMs" envconfig:"TIMEOUT_MS"`
	ModelTier         string  `json:"modelTier" yaml:"modelTier" envconfig:"MODEL_TIER"`
	MaxDepth          int     `json:"maxDepth" yaml:"maxDepth" envconfig:"MAX_DEPTH"`
	MaxRetries        int     `json:"maxRetries" yaml:"maxRetries" envconfig:"MAX_RETRIES"`
	RetryDelayMs      int     `json:"retryDelayMs" yaml:"retryDelayMs" envconfig:"RETRY_DELAY_MS"`
	ApprovalPolicy    string  `json:"approvalPolicy" yaml:"approvalPolicy" envconfig:"APPROVAL_POLICY"`
	ToolPolicyProfile string  `json:"toolPolicyProfile" yaml:"toolPolicyProfile" envconfig:"TOOL_POLICY_PROFILE"`
	FailOpenOnParse   bool    `json:"failOpenOnParse" yaml:"failOpenOnParse" envconfig:"FAIL_OPEN_ON_PARSE"`
	ApprovalTimeoutS  int     `json:"approvalTimeoutSeconds" yaml:"approvalTimeoutSeconds" envconfig:"APPROVAL_TIMEOUT_SECONDS"`
	Temperature       float64 `json:"temperature" yaml:"temperature" envconfig:"TEMPERATURE"`
	ResponseMaxTokens int     `json:"responseMaxTokens" yaml:"responseMaxTokens" envconfig:"RESPONSE_MAX_TOKENS"`
	Stream            bool    `json:"stream" yaml:"stream" envconfig:"STREAM"`
	StoreFacts        bool    `json:"storeFacts" yaml:"storeFacts" envconfig:"STORE_FACTS"`

	MaxConcurrentRuns    int   `json:"maxConcurrentRuns" yaml:"maxConcurrentRuns" envconfig:"MAX_CONCURRENT_RUNS"`
	MaxChildrenPerParent int   `json:"maxChildrenPerParent" yaml:"maxChildrenPerParent" envconfig:"MAX_CHILDREN_PER_PARENT"`
	DailyTokenLimit      int64 `json:"dailyTokenLimit" yaml:"dailyTokenLimit" envconfig:"DAILY_TOKEN_LIMIT"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains the fallback chain and per-variant settings.
type ProvidersConfig struct {
	// Chain lists provider ids in fallback order.
	Chain     []string       `json:"chain" yaml:"chain" envconfig:"CHAIN"`
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    ProviderConfig `json:"openai" yaml:"openai"`
	Compat    ProviderConfig `json:"compat" yaml:"compat"`
	Ollama    ProviderConfig `json:"ollama" yaml:"ollama"`
	Gemini    ProviderConfig `json:"gemini" yaml:"gemini"`
	Gollm     ProviderConfig `json:"gollm" yaml:"gollm"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" yaml:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" envconfig:"API_BASE"`
	// Models maps tier names (fast, balanced, best) to model names.
	Models map[string]string `json:"models,omitempty" yaml:"models,omitempty" envconfig:"MODELS"`
	// Backend selects the upstream for the gollm variant.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" envconfig:"BACKEND"`
}

// ---------------------------------------------------------------------------
// Inbox – routing of submissions
// ---------------------------------------------------------------------------

// InboxConfig tunes the trivial/agentic classifier.
type InboxConfig struct {
	ShortThreshold    int  `json:"shortThreshold" yaml:"shortThreshold" envconfig:"SHORT_THRESHOLD"`
	ClassifierEnabled bool `json:"classifierEnabled" yaml:"classifierEnabled" envconfig:"CLASSIFIER_ENABLED"`
	// SessionHistory is how many stored messages a bus conversation hands
	// to the next run. 0 disables session history.
	SessionHistory int `json:"sessionHistory" yaml:"sessionHistory" envconfig:"SESSION_HISTORY"`
}

// ---------------------------------------------------------------------------
// Tools – tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec ExecToolConfig `json:"exec" yaml:"exec"`
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout" yaml:"timeout" envconfig:"TIMEOUT"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" yaml:"restrictToWorkspace" envconfig:"RESTRICT_WORKSPACE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" yaml:"host" envconfig:"HOST"`
	Port      int    `json:"port" yaml:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" yaml:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Relay – external submission sources and event sinks
// ---------------------------------------------------------------------------

// RelayConfig groups the Kafka and NATS relays.
type RelayConfig struct {
	Kafka KafkaRelayConfig `json:"kafka" yaml:"kafka"`
	NATS  NATSRelayConfig  `json:"nats" yaml:"nats"`
}

// KafkaRelayConfig consumes submissions and produces run events.
type KafkaRelayConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Brokers     string `json:"brokers" yaml:"brokers" envconfig:"BROKERS"`
	GroupID     string `json:"groupId" yaml:"groupId" envconfig:"GROUP_ID"`
	SubmitTopic string `json:"submitTopic" yaml:"submitTopic" envconfig:"SUBMIT_TOPIC"`
	EventTopic  string `json:"eventTopic" yaml:"eventTopic" envconfig:"EVENT_TOPIC"`
	ReplyTopic  string `json:"replyTopic" yaml:"replyTopic" envconfig:"REPLY_TOPIC"`
	// Security selects TLS and SASL for the broker connections.
	Security KafkaSecurityConfig `json:"security" yaml:"security" ignored:"true"`
}

// KafkaSecurityConfig mirrors the usual client properties
// (security.protocol, sasl.mechanism, ssl.*.location).
type KafkaSecurityConfig struct {
	// Protocol is PLAINTEXT, SSL, SASL_PLAINTEXT or SASL_SSL.
	Protocol string `json:"protocol" yaml:"protocol" envconfig:"SECURITY_PROTOCOL"`
	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string `json:"saslMechanism" yaml:"saslMechanism" envconfig:"SASL_MECHANISM"`
	Username  string `json:"saslUsername" yaml:"saslUsername" envconfig:"SASL_USERNAME"`
	Password  string `json:"saslPassword" yaml:"saslPassword" envconfig:"SASL_PASSWORD"`
	CAFile    string `json:"caFile" yaml:"caFile" envconfig:"SSL_CA_LOCATION"`
	CertFile  string `json:"certFile" yaml:"certFile" envconfig:"SSL_CERT_LOCATION"`
	KeyFile   string `json:"keyFile" yaml:"keyFile" envconfig:"SSL_KEY_LOCATION"`
}

// NATSRelayConfig publishes run events on subjects.
type NATSRelayConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	URL           string `json:"url" yaml:"url" envconfig:"URL"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix" envconfig:"SUBJECT_PREFIX"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron-based task triggers
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the cron scheduler.
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" yaml:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent int           `json:"maxConcurrent" yaml:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	Jobs          []JobConfig   `json:"jobs" yaml:"jobs"`
}

// JobConfig is one scheduled task submission.
type JobConfig struct {
	Name     string `json:"name" yaml:"name"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron expression or @descriptor, optional CRON_TZ= prefix
	Task     string `json:"task" yaml:"task"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
	ChatID   string `json:"chatId,omitempty" yaml:"chatId,omitempty"`
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogConfig selects the slog level and output format.
type LogConfig struct {
	Level string `json:"level" yaml:"level" envconfig:"LEVEL"`
	JSON  bool   `json:"json" yaml:"json" envconfig:"JSON"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/agentcore-workspace",
			DataDir:   "~/.agentcore",
		},
		Agent: AgentConfig{
			MaxTurns:             30,
			MaxTokens:            200000,
			TimeoutMs:            600000,
			ModelTier:            "balanced",
			MaxDepth:             3,
			MaxRetries:           3,
			RetryDelayMs:         1000,
			ApprovalPolicy:       "destructive",
			ToolPolicyProfile:    "full",
			FailOpenOnParse:      true,
			ApprovalTimeoutS:     300,
			Temperature:          0.7,
			ResponseMaxTokens:    8192,
			MaxConcurrentRuns:    8,
			MaxChildrenPerParent: 5,
		},
		Providers: ProvidersConfig{
			Chain:  []string{"anthropic", "openai"},
			Ollama: ProviderConfig{APIBase: "http://localhost:11434"},
			Gollm:  ProviderConfig{Backend: "openai"},
		},
		Inbox: InboxConfig{
			ShortThreshold:    12,
			ClassifierEnabled: true,
			SessionHistory:    20,
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             60 * time.Second,
				RestrictToWorkspace: true, // Secure default
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18790,
		},
		Relay: RelayConfig{
			Kafka: KafkaRelayConfig{
				Brokers:     "localhost:9092",
				GroupID:     "agentcore",
				SubmitTopic: "agentcore.tasks",
				EventTopic:  "agentcore.events",
				ReplyTopic:  "agentcore.replies",
			},
			NATS: NATSRelayConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "agentcore.runs",
			},
		},
		Scheduler: SchedulerConfig{
			TickInterval:  60 * time.Second,
			MaxConcurrent: 2,
		},
		Log: LogConfig{Level: "info"},
	}
}
