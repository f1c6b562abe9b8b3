package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/KafClaw/agentcore/internal/provider"
)

// Registry manages tool registration and execution. Reads go through an
// atomically swapped snapshot; writers copy the table.
type Registry struct {
	mu    sync.Mutex // serializes writers
	table atomic.Pointer[map[string]Tool]
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Tool{}
	r.table.Store(&empty)
	return r
}

func (r *Registry) snapshot() map[string]Tool {
	return *r.table.Load()
}

// Register adds a tool to the registry, replacing any tool with the same
// name. Malformed tools are rejected.
func (r *Registry) Register(tool Tool) error {
	if err := ValidateTool(tool); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	next := make(map[string]Tool, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[tool.Name()] = tool
	r.table.Store(&next)
	return nil
}

// MustRegister is Register for startup code; it panics on a malformed tool.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	if _, ok := old[name]; !ok {
		return
	}
	next := make(map[string]Tool, len(old))
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	r.table.Store(&next)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.snapshot()[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	snap := r.snapshot()
	result := make([]Tool, 0, len(snap))
	for _, tool := range snap {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// ListFor returns the tools the named profile allows, evaluated against
// the registry as it is now. Unknown profiles resolve to minimal.
func (r *Registry) ListFor(profile string) []Tool {
	p := LookupProfile(profile)
	all := r.List()
	out := make([]Tool, 0, len(all))
	for _, t := range all {
		if p.Allows(t) {
			out = append(out, t)
		}
	}
	return out
}

// RequiresApproval reports whether the named tool is gated under the
// destructive policy. Unknown tools are not.
func (r *Registry) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	return ok && NeedsApproval(t)
}

// Execute runs a registered tool. It never returns a Go error: unknown
// tools, invalid arguments, failures and panics all become a failed result.
func (r *Registry) Execute(ctx context.Context, call provider.ToolCall) provider.ToolResult {
	tool, ok := r.Get(call.Name)
	if !ok {
		return failed(call, fmt.Sprintf("tool not found: %s", call.Name))
	}
	return ExecuteTool(ctx, tool, call)
}

// ExecuteTool validates call against tool's parameters and runs it with
// panic recovery.
func ExecuteTool(ctx context.Context, tool Tool, call provider.ToolCall) (result provider.ToolResult) {
	if err := ctx.Err(); err != nil {
		return failed(call, "cancelled before execution: "+err.Error())
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArgs(tool.Params(), args); err != nil {
		return failed(call, "invalid parameters: "+err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", call.Name, "panic", rec, "stack", string(debug.Stack()))
			result = failed(call, fmt.Sprintf("tool panicked: %v", rec))
		}
	}()

	out, err := tool.Execute(ctx, args)
	if err != nil {
		r := failed(call, err.Error())
		r.Output = out
		return r
	}
	return provider.ToolResult{CallID: call.ID, Name: call.Name, Success: true, Output: out}
}

func failed(call provider.ToolCall, msg string) provider.ToolResult {
	return provider.ToolResult{CallID: call.ID, Name: call.Name, Success: false, Error: msg}
}

// ValidateArgs checks required parameters and primitive types.
func ValidateArgs(params []Param, args map[string]any) error {
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if !matchesType(p.Type, v) {
			return fmt.Errorf("parameter %q must be %s, got %T", p.Name, p.Type, v)
		}
		if len(p.Enum) > 0 {
			s, _ := v.(string)
			found := false
			for _, e := range p.Enum {
				if e == s {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
			}
		}
	}
	return nil
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
