// Package tools provides the tool framework and the built-in tools the agent
// loop can call.
package tools

import (
	"context"
	"fmt"
	"regexp"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Params declares the tool's parameters; the JSON schema and the text
	// catalog are both derived from it.
	Params() []Param
	// Execute runs the tool with validated arguments. A returned error
	// becomes a failed observation, never a run failure.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only (always allowed)
// Tier 1: controlled writes (allowed by policy)
// Tier 2: external/high-impact (requires approval)
type TieredTool interface {
	Tool
	Tier() int
}

// ApprovalTool lets a tool state explicitly whether it needs a human
// decision under the destructive policy.
type ApprovalTool interface {
	Tool
	RequiresApproval() bool
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only internal tools
	TierWrite    = 1 // Controlled write/internal effects
	TierHighRisk = 2 // External or high-impact actions
)

// ToolTier returns the risk tier for a tool.
// If the tool implements TieredTool, its Tier() is returned.
// Otherwise defaults to TierReadOnly (safe default for unclassified tools).
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// NeedsApproval reports whether t is gated under the destructive policy:
// an explicit ApprovalTool answer wins, otherwise high-risk tiers are gated.
func NeedsApproval(t Tool) bool {
	if at, ok := t.(ApprovalTool); ok {
		return at.RequiresApproval()
	}
	return ToolTier(t) >= TierHighRisk
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	// Items is the element type for arrays; defaults to string.
	Items ParamType
}

// ExecFunc is the body of a Func tool.
type ExecFunc func(ctx context.Context, args map[string]any) (string, error)

// Func adapts a plain function into a Tool. Per-run tools such as
// delegate_task are built this way.
type Func struct {
	ToolName    string
	Desc        string
	Parameters  []Param
	Fn          ExecFunc
	Risk        int
	NeedApprove bool
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Params() []Param        { return f.Parameters }
func (f *Func) Tier() int              { return f.Risk }
func (f *Func) RequiresApproval() bool { return f.NeedApprove }

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]{0,63}$`)

// ValidateTool checks a tool definition for the mistakes Register rejects.
func ValidateTool(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := t.Name()
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	if f, ok := t.(*Func); ok && f.Fn == nil {
		return fmt.Errorf("tool %s: nil execute function", name)
	}
	seen := map[string]bool{}
	for i, p := range t.Params() {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter %d has no name", name, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.valid() {
			return fmt.Errorf("tool %s: parameter %q has unknown type %q", name, p.Name, p.Type)
		}
		if p.Type == TypeArray && p.Items != "" && !p.Items.valid() {
			return fmt.Errorf("tool %s: parameter %q has unknown item type %q", name, p.Name, p.Items)
		}
	}
	return nil
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
