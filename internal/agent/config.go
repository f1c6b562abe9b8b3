package agent

import (
	"time"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/tools"
)

// Default run limits.
const (
	DefaultMaxTurns        = 30
	DefaultMaxTokens       = 200000
	DefaultTimeout         = 600000 * time.Millisecond
	DefaultMaxDepth        = 3
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 1000 * time.Millisecond
	DefaultApprovalTimeout = approval.DefaultTimeout
)

// RunConfig bounds one run. It is read once when the run starts.
type RunConfig struct {
	MaxTurns          int
	MaxTokens         int
	Timeout           time.Duration
	ModelTier         provider.Tier
	MaxDepth          int
	MaxRetries        int
	RetryDelay        time.Duration
	ApprovalPolicy    approval.Policy
	ToolPolicyProfile string
	FailOpenOnParse   bool
	ApprovalTimeout   time.Duration

	// Model pins a concrete "provider/model" instead of the tier mapping.
	Model             string
	Temperature       float64
	ResponseMaxTokens int
	Stream            bool
	StoreFacts        bool
	// MemoryBudget is the token budget for fetched memory context.
	MemoryBudget int
}

// DefaultRunConfig returns the built-in defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxTurns:          DefaultMaxTurns,
		MaxTokens:         DefaultMaxTokens,
		Timeout:           DefaultTimeout,
		ModelTier:         provider.TierBalanced,
		MaxDepth:          DefaultMaxDepth,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		ApprovalPolicy:    approval.PolicyDestructive,
		ToolPolicyProfile: tools.ProfileFull,
		FailOpenOnParse:   true,
		ApprovalTimeout:   DefaultApprovalTimeout,
		Temperature:       0.7,
		ResponseMaxTokens: 4096,
		MemoryBudget:      800,
	}
}

// RunConfigFromConfig derives run defaults from the agent config section.
func RunConfigFromConfig(c config.AgentConfig) RunConfig {
	rc := DefaultRunConfig()
	o := RunConfigOverrides{
		MaxTurns:          c.MaxTurns,
		MaxTokens:         c.MaxTokens,
		TimeoutMs:         c.TimeoutMs,
		ModelTier:         c.ModelTier,
		MaxDepth:          positive(c.MaxDepth),
		MaxRetries:        positive(c.MaxRetries),
		RetryDelayMs:      c.RetryDelayMs,
		ApprovalPolicy:    c.ApprovalPolicy,
		ToolPolicyProfile: c.ToolPolicyProfile,
	}
	rc = rc.Merge(&o)
	rc.FailOpenOnParse = c.FailOpenOnParse
	if c.ApprovalTimeoutS > 0 {
		rc.ApprovalTimeout = time.Duration(c.ApprovalTimeoutS) * time.Second
	}
	if c.Temperature > 0 {
		rc.Temperature = c.Temperature
	}
	if c.ResponseMaxTokens > 0 {
		rc.ResponseMaxTokens = c.ResponseMaxTokens
	}
	rc.Stream = c.Stream
	rc.StoreFacts = c.StoreFacts
	return rc
}

// RunConfigOverrides is the partial RunConfig a submission may carry.
// Zero fields leave the base value alone. MaxDepth and MaxRetries are
// pointers because 0 is a meaningful value for both: no delegation, and
// no retries.
type RunConfigOverrides struct {
	MaxTurns          int    `json:"maxTurns,omitempty"`
	MaxTokens         int    `json:"maxTokens,omitempty"`
	TimeoutMs         int    `json:"timeoutMs,omitempty"`
	ModelTier         string `json:"modelTier,omitempty"`
	MaxDepth          *int   `json:"maxDepth,omitempty"`
	MaxRetries        *int   `json:"maxRetries,omitempty"`
	RetryDelayMs      int    `json:"retryDelayMs,omitempty"`
	ApprovalPolicy    string `json:"approvalPolicy,omitempty"`
	ToolPolicyProfile string `json:"toolPolicyProfile,omitempty"`
	Model             string `json:"model,omitempty"`
	Stream            *bool  `json:"stream,omitempty"`
}

// Merge returns c with the non-zero fields of o applied. Invalid policy
// names are ignored.
func (c RunConfig) Merge(o *RunConfigOverrides) RunConfig {
	if o == nil {
		return c
	}
	if o.MaxTurns > 0 {
		c.MaxTurns = o.MaxTurns
	}
	if o.MaxTokens > 0 {
		c.MaxTokens = o.MaxTokens
	}
	if o.TimeoutMs > 0 {
		c.Timeout = time.Duration(o.TimeoutMs) * time.Millisecond
	}
	if o.ModelTier != "" {
		c.ModelTier = provider.ParseTier(o.ModelTier)
	}
	if o.MaxDepth != nil && *o.MaxDepth >= 0 {
		c.MaxDepth = *o.MaxDepth
	}
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		c.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelayMs > 0 {
		c.RetryDelay = time.Duration(o.RetryDelayMs) * time.Millisecond
	}
	if o.ApprovalPolicy != "" {
		if p, err := approval.ParsePolicy(o.ApprovalPolicy); err == nil {
			c.ApprovalPolicy = p
		}
	}
	if o.ToolPolicyProfile != "" {
		c.ToolPolicyProfile = o.ToolPolicyProfile
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Stream != nil {
		c.Stream = *o.Stream
	}
	return c
}

// normalized fills zero limits with defaults. MaxDepth and MaxRetries
// keep 0 and only clamp negatives.
func (c RunConfig) normalized() RunConfig {
	d := DefaultRunConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ModelTier == "" {
		c.ModelTier = d.ModelTier
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ApprovalPolicy == "" {
		c.ApprovalPolicy = d.ApprovalPolicy
	}
	if c.ToolPolicyProfile == "" {
		c.ToolPolicyProfile = d.ToolPolicyProfile
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.ResponseMaxTokens <= 0 {
		c.ResponseMaxTokens = d.ResponseMaxTokens
	}
	return c
}

// positive maps a config value to an override; 0 in a config file means
// unset.
func positive(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
