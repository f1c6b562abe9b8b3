package tools

import "time"

// BuiltinOptions wires the built-in tools to their collaborators.
type BuiltinOptions struct {
	Workspace           string
	ExecTimeout         time.Duration
	RestrictToWorkspace bool
	Memory              MemoryStore // nil skips remember/recall
	Status              StatusFunc
}

// RegisterBuiltins registers the standard tool set. delegate_task is not
// among them; the loop adds it per run.
func RegisterBuiltins(r *Registry, o BuiltinOptions) {
	r.MustRegister(
		NewStatusTool(o.Status),
		NewReadFileTool(),
		NewListDirTool(),
		NewWriteFileTool(o.Workspace),
		NewExecTool(o.ExecTimeout, o.RestrictToWorkspace, o.Workspace),
	)
	if o.Memory != nil {
		r.MustRegister(NewRememberTool(o.Memory), NewRecallTool(o.Memory))
	}
}
