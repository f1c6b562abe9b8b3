package tools

import (
	"context"
	"encoding/json"
	"time"
)

// StatusFunc reports runtime facts for the status tool.
type StatusFunc func(ctx context.Context) map[string]any

// StatusTool reports the agent's runtime status.
type StatusTool struct {
	report StatusFunc
}

func NewStatusTool(report StatusFunc) *StatusTool {
	return &StatusTool{report: report}
}

func (t *StatusTool) Name() string { return "status" }
func (t *StatusTool) Tier() int    { return TierReadOnly }

func (t *StatusTool) Description() string {
	return "Report the agent's current status: time, active runs, provider chain and today's token usage."
}

func (t *StatusTool) Params() []Param { return nil }

func (t *StatusTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	status := map[string]any{}
	if t.report != nil {
		for k, v := range t.report(ctx) {
			status[k] = v
		}
	}
	status["time"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
