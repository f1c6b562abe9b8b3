package agent

import (
	"time"

	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/timeline"
)

// Route carries response routing from the submission through the run to
// every emitted event.
type Route = bus.Route

// TaskSubmission is one unit of work entering the loop. It is not modified
// after it is handed over.
type TaskSubmission struct {
	Task        string              `json:"task"`
	History     []provider.Message  `json:"history,omitempty"`
	Source      string              `json:"source"`
	Route       Route               `json:"route"`
	Overrides   *RunConfigOverrides `json:"configOverrides,omitempty"`
	ParentRunID string              `json:"parentRunId,omitempty"`
	Images      []string            `json:"images,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning        RunStatus = timeline.RunStatusRunning
	StatusCompleted      RunStatus = timeline.RunStatusCompleted
	StatusFailed         RunStatus = timeline.RunStatusFailed
	StatusCancelled      RunStatus = timeline.RunStatusCancelled
	StatusTimedOut       RunStatus = timeline.RunStatusTimedOut
	StatusBudgetExceeded RunStatus = timeline.RunStatusBudgetExceeded
)

// Terminal reports whether s is a final status.
func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID       string         `json:"runId"`
	ParentRunID string         `json:"parentRunId,omitempty"`
	Depth       int            `json:"depth"`
	Status      RunStatus      `json:"status"`
	Answer      string         `json:"answer,omitempty"`
	Usage       provider.Usage `json:"usage"`
	Turns       int            `json:"turns"`
	Error       *RunError      `json:"error,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	Events      []Event        `json:"events,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
}

// Duration is the wall-clock time the run took.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
