package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/inbox"
	"github.com/KafClaw/agentcore/internal/memory"
	"github.com/KafClaw/agentcore/internal/metrics"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/session"
	"github.com/KafClaw/agentcore/internal/timeline"
	"github.com/KafClaw/agentcore/internal/tools"
)

// runtime is the wired set of components shared by the agent and gateway
// commands.
type runtime struct {
	cfg       *config.Config
	timeline  *timeline.TimelineService
	providers *provider.Manager
	tools     *tools.Registry
	gate      *approval.Gate
	memory    *memory.Service
	indexer   *memory.AutoIndexer
	metrics   *metrics.PrometheusRecorder
	loop      *agent.Loop
	router    *inbox.Router
	sessions  *session.Store

	stopBackground func()
}

// runtimeOptions lets tests replace the provider chain and event sinks.
type runtimeOptions struct {
	chain []provider.LLMProvider
	sinks []agent.EventSink
}

func buildRuntime(cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.Workspace); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	timeSvc, err := timeline.NewTimelineService(cfg.Paths.TimelinePath())
	if err != nil {
		return nil, fmt.Errorf("init timeline: %w", err)
	}
	if n, err := timeSvc.MarkInterruptedRuns(); err != nil {
		slog.Warn("Run reconciliation failed", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted runs", "count", n)
	}

	rec := metrics.NewPrometheusRecorder()

	chain := opts.chain
	if chain == nil {
		chain, err = provider.BuildChain(cfg.Providers)
		if err != nil {
			timeSvc.Close()
			return nil, err
		}
	}
	mgr, err := provider.NewManager(chain,
		provider.WithRetry(cfg.Agent.MaxRetries, time.Duration(cfg.Agent.RetryDelayMs)*time.Millisecond),
		provider.WithRecorder(rec),
	)
	if err != nil {
		timeSvc.Close()
		return nil, err
	}

	gate := approval.NewGate(timeSvc, time.Duration(cfg.Agent.ApprovalTimeoutS)*time.Second)
	rec.AttachGate(gate)

	memSvc := memory.NewService(timeSvc)
	indexer := memory.NewAutoIndexer(memSvc, memory.AutoIndexerConfig{})

	rt := &runtime{
		cfg:       cfg,
		timeline:  timeSvc,
		providers: mgr,
		tools:     tools.NewRegistry(),
		gate:      gate,
		memory:    memSvc,
		indexer:   indexer,
		metrics:   rec,
	}
	tools.RegisterBuiltins(rt.tools, tools.BuiltinOptions{
		Workspace:           cfg.Paths.Workspace,
		ExecTimeout:         cfg.Tools.Exec.Timeout,
		RestrictToWorkspace: cfg.Tools.Exec.RestrictToWorkspace,
		Memory:              memSvc,
		Status:              func(ctx context.Context) map[string]any { return rt.loop.Status(ctx) },
	})

	rt.loop = agent.NewLoop(agent.LoopOptions{
		Provider:  mgr,
		Registry:  rt.tools,
		Gate:      gate,
		Memory:    indexer,
		Store:     timeSvc,
		Metrics:   rec,
		Sinks:     opts.sinks,
		Workspace: cfg.Paths.Workspace,
		Defaults:  agent.RunConfigFromConfig(cfg.Agent),
		Limits: agent.SubagentLimits{
			MaxConcurrent:        cfg.Agent.MaxConcurrentRuns,
			MaxChildrenPerParent: cfg.Agent.MaxChildrenPerParent,
		},
		DailyTokenLimit: cfg.Agent.DailyTokenLimit,
	})
	var sessions inbox.SessionStore
	if cfg.Inbox.SessionHistory > 0 {
		rt.sessions, err = session.NewStore(cfg.Paths.SessionsDir(), cfg.Inbox.SessionHistory)
		if err != nil {
			timeSvc.Close()
			return nil, err
		}
		sessions = rt.sessions
	}
	rt.router = inbox.NewRouter(inbox.Options{
		Runner:         rt.loop,
		Chat:           mgr,
		Gate:           gate,
		Recorder:       rec,
		Sessions:       sessions,
		ShortThreshold: cfg.Inbox.ShortThreshold,
		NoClassifier:   !cfg.Inbox.ClassifierEnabled,
	})
	return rt, nil
}

// startBackground runs the memory indexer until ctx is done or Close.
func (rt *runtime) startBackground(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go rt.indexer.Run(ctx)
	rt.stopBackground = func() {
		cancel()
		rt.indexer.Stop()
	}
}

// Close flushes queued memory writes and closes the timeline.
func (rt *runtime) Close() error {
	if rt.stopBackground != nil {
		rt.stopBackground()
	}
	return rt.timeline.Close()
}
