package tools

import (
	"context"
	"fmt"
	"strings"
)

// DelegateToolName is the name of the subagent tool.
const DelegateToolName = "delegate_task"

// DelegateRequest is what a parent run hands to a child.
type DelegateRequest struct {
	Task    string
	Context string
	Tier    string
}

// DelegateFunc runs a child and returns its final answer.
type DelegateFunc func(ctx context.Context, req DelegateRequest) (string, error)

// DelegateTool spawns a child run for a focused subtask. The loop builds
// one per run, bound to that run's depth and parent id.
type DelegateTool struct {
	spawn DelegateFunc
}

func NewDelegateTool(spawn DelegateFunc) *DelegateTool {
	return &DelegateTool{spawn: spawn}
}

func (t *DelegateTool) Name() string { return DelegateToolName }

// Tier is read-only: the child inherits the parent's profile and policy,
// so delegation itself adds no capability.
func (t *DelegateTool) Tier() int { return TierReadOnly }

func (t *DelegateTool) Description() string {
	return "Delegate a self-contained subtask to a subagent. The subagent sees only the task and context you give it and returns its final answer."
}

func (t *DelegateTool) Params() []Param {
	return []Param{
		{Name: "task", Type: TypeString, Description: "The subtask, stated completely", Required: true},
		{Name: "context", Type: TypeString, Description: "Optional facts the subagent needs"},
		{Name: "tier", Type: TypeString, Description: "Optional model tier for the subagent", Enum: []string{"fast", "balanced", "best"}},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	task := strings.TrimSpace(GetString(params, "task", ""))
	if task == "" {
		return "", fmt.Errorf("task is required")
	}
	if t.spawn == nil {
		return "", fmt.Errorf("subagents are not available")
	}
	return t.spawn(ctx, DelegateRequest{
		Task:    task,
		Context: GetString(params, "context", ""),
		Tier:    GetString(params, "tier", ""),
	})
}
