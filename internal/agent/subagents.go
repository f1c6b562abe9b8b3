package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/tools"
)

// Subagent defaults.
const (
	DefaultMaxConcurrentRuns    = 8
	DefaultMaxChildrenPerParent = 5
	defaultArchiveAfter         = 30 * time.Minute
)

// ErrSubagentLimit is returned when a parent may not spawn another child.
var ErrSubagentLimit = errors.New("subagent limit reached")

// SubagentLimits bound concurrency across runs. Depth is bounded per run by
// RunConfig.MaxDepth.
type SubagentLimits struct {
	MaxConcurrent        int
	MaxChildrenPerParent int
}

// RunInfo is the registry view of a run.
type RunInfo struct {
	RunID       string     `json:"runId"`
	ParentRunID string     `json:"parentRunId,omitempty"`
	Depth       int        `json:"depth"`
	Task        string     `json:"task"`
	Source      string     `json:"source,omitempty"`
	Status      RunStatus  `json:"status"`
	Turn        int        `json:"turn"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type trackedRun struct {
	mu     sync.Mutex
	info   RunInfo
	cancel context.CancelFunc
}

func (t *trackedRun) snapshot() RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.info
	if t.info.EndedAt != nil {
		ended := *t.info.EndedAt
		out.EndedAt = &ended
	}
	return out
}

// runRegistry tracks live and recently finished runs. Children are linked
// to parents by id only.
type runRegistry struct {
	runs         *haxmap.Map[string, *trackedRun]
	mu           sync.Mutex
	children     map[string]int
	limits       SubagentLimits
	archiveAfter time.Duration
}

func newRunRegistry(limits SubagentLimits) *runRegistry {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = DefaultMaxConcurrentRuns
	}
	if limits.MaxChildrenPerParent <= 0 {
		limits.MaxChildrenPerParent = DefaultMaxChildrenPerParent
	}
	return &runRegistry{
		runs:         haxmap.New[string, *trackedRun](),
		children:     make(map[string]int),
		limits:       limits,
		archiveAfter: defaultArchiveAfter,
	}
}

// reserveChild claims a child slot for parent, or fails without queueing.
func (r *runRegistry) reserveChild(parentRunID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.children[parentRunID]
	if active >= r.limits.MaxChildrenPerParent {
		return fmt.Errorf("%w: %d/%d active children for run %s",
			ErrSubagentLimit, active, r.limits.MaxChildrenPerParent, parentRunID)
	}
	r.children[parentRunID] = active + 1
	return nil
}

func (r *runRegistry) releaseChild(parentRunID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.children[parentRunID]; n <= 1 {
		delete(r.children, parentRunID)
	} else {
		r.children[parentRunID] = n - 1
	}
}

func (r *runRegistry) activeChildren(parentRunID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children[parentRunID]
}

func (r *runRegistry) register(info RunInfo, cancel context.CancelFunc) {
	info.Status = StatusRunning
	r.runs.Set(info.RunID, &trackedRun{info: info, cancel: cancel})
}

func (r *runRegistry) setTurn(runID string, turn int) {
	if t, ok := r.runs.Get(runID); ok {
		t.mu.Lock()
		t.info.Turn = turn
		t.mu.Unlock()
	}
}

func (r *runRegistry) finish(runID string, status RunStatus, runErr *RunError) {
	t, ok := r.runs.Get(runID)
	if !ok {
		return
	}
	now := time.Now()
	t.mu.Lock()
	t.info.Status = status
	t.info.EndedAt = &now
	if runErr != nil {
		t.info.Error = runErr.Error()
	}
	t.cancel = nil
	t.mu.Unlock()
	time.AfterFunc(r.archiveAfter, func() { r.runs.Del(runID) })
}

// List returns tracked runs, newest first.
func (r *runRegistry) List() []RunInfo {
	var out []RunInfo
	r.runs.ForEach(func(_ string, t *trackedRun) bool {
		out = append(out, t.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Get returns one tracked run.
func (r *runRegistry) Get(runID string) (RunInfo, bool) {
	t, ok := r.runs.Get(runID)
	if !ok {
		return RunInfo{}, false
	}
	return t.snapshot(), true
}

// Cancel stops a running run and all of its descendants.
func (r *runRegistry) Cancel(runID string) bool {
	t, ok := r.runs.Get(runID)
	if !ok {
		return false
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	r.runs.ForEach(func(id string, child *trackedRun) bool {
		if child.snapshot().ParentRunID == runID {
			r.Cancel(id)
		}
		return true
	})
	return true
}

// countActive returns the number of runs still running.
func (r *runRegistry) countActive() int {
	n := 0
	r.runs.ForEach(func(_ string, t *trackedRun) bool {
		if t.snapshot().Status == StatusRunning {
			n++
		}
		return true
	})
	return n
}

// delegateTool builds the per-run delegate_task tool. The closure captures
// the parent's id, depth and config values, never the parent run itself.
func (l *Loop) delegateTool(parentID string, depth int, cfg RunConfig, route Route) tools.Tool {
	return tools.NewDelegateTool(func(ctx context.Context, req tools.DelegateRequest) (string, error) {
		return l.spawnChild(ctx, parentID, depth, cfg, route, req)
	})
}

// spawnChild runs a child at depth+1 with a fresh history holding only the
// delegated task. Its final answer becomes the parent's tool result.
func (l *Loop) spawnChild(ctx context.Context, parentID string, depth int, cfg RunConfig, route Route, req tools.DelegateRequest) (string, error) {
	if depth+1 > cfg.MaxDepth {
		return "", fmt.Errorf("delegation not allowed at depth %d (max %d)", depth, cfg.MaxDepth)
	}
	if err := l.registry.reserveChild(parentID); err != nil {
		return "", err
	}
	defer l.registry.releaseChild(parentID)

	// Children run inside the parent's wait, so they never block on the
	// global semaphore; a full semaphore rejects the spawn.
	if l.sem != nil {
		if !l.sem.TryAcquire() {
			return "", fmt.Errorf("%w: %d concurrent runs", ErrSubagentLimit, l.sem.Cap())
		}
		defer l.sem.Release()
	}

	task := req.Task
	if req.Context != "" {
		task += "\n\nContext:\n" + req.Context
	}
	childCfg := cfg
	if req.Tier != "" {
		childCfg.ModelTier = provider.ParseTier(req.Tier)
	}
	child := TaskSubmission{
		Task:        task,
		Source:      "subagent",
		Route:       route,
		ParentRunID: parentID,
	}
	res := l.execute(ctx, childCfg, child, depth+1, uuid.NewString(), nil)

	switch res.Status {
	case StatusCompleted:
		return res.Answer, nil
	default:
		reason := string(res.Status)
		if res.Error != nil {
			reason = res.Error.Error()
		}
		return res.Answer, fmt.Errorf("subagent %s ended %s: %s", res.RunID, res.Status, reason)
	}
}
