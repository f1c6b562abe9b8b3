// Package agent implements the reasoning loop: bounded provider/tool cycles
// with approval gating, subagent delegation and an ordered event stream.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/scheduler"
	"github.com/KafClaw/agentcore/internal/timeline"
	"github.com/KafClaw/agentcore/internal/tools"
)

// Fixed collaborator timeouts.
const (
	DefaultMemoryTimeout = 2 * time.Second
	DefaultToolGrace     = 2 * time.Second
)

// ChatClient is the provider surface the loop needs. *provider.Manager
// satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	ChatStream(ctx context.Context, req *provider.ChatRequest, onChunk func(string) error) (*provider.ChatResponse, error)
	PrimaryMode(ctx context.Context) provider.Mode
}

// Memory is the long-term memory collaborator. FetchContext is bounded by
// a short timeout; StoreFact is fire-and-forget.
type Memory interface {
	FetchContext(ctx context.Context, query string, tokenBudget int) (string, error)
	StoreFact(ctx context.Context, text string)
}

// Store persists runs, events and token usage. *timeline.TimelineService
// satisfies it.
type Store interface {
	EventStore
	CreateRun(r *timeline.RunRecord) error
	FinishRun(r *timeline.RunRecord) error
	AddTokenUsage(providerID string, prompt, completion, total int) error
	GetDailyTokenUsage() (int64, error)
}

// Metrics receives run observations.
type Metrics interface {
	RunStarted(depth int)
	RunFinished(status string, depth, turns int, d time.Duration, usage provider.Usage)
	ToolCalled(tool, outcome string, d time.Duration)
}

// LoopOptions wires a Loop.
type LoopOptions struct {
	Provider ChatClient
	Registry *tools.Registry
	Gate     *approval.Gate
	Memory   Memory
	Store    Store
	Metrics  Metrics
	Sinks    []EventSink

	Workspace       string
	Defaults        RunConfig
	Limits          SubagentLimits
	DailyTokenLimit int64

	MemoryTimeout time.Duration
	ToolGrace     time.Duration
}

// Loop runs tasks. One Loop serves many concurrent runs; it keeps no
// per-run state on itself.
type Loop struct {
	provider  ChatClient
	tools     *tools.Registry
	gate      *approval.Gate
	memory    Memory
	store     Store
	metrics   Metrics
	sinks     []EventSink
	builder   *ContextBuilder
	defaults  RunConfig
	sem       *scheduler.Semaphore
	registry  *runRegistry
	dailyCap  int64
	memWait   time.Duration
	toolGrace time.Duration
	now       func() time.Time
}

// NewLoop creates a Loop. Provider is required.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.MemoryTimeout <= 0 {
		opts.MemoryTimeout = DefaultMemoryTimeout
	}
	if opts.ToolGrace <= 0 {
		opts.ToolGrace = DefaultToolGrace
	}
	defaults := opts.Defaults
	if defaults.MaxTurns == 0 && defaults.MaxTokens == 0 {
		defaults = DefaultRunConfig()
	}
	reg := newRunRegistry(opts.Limits)
	return &Loop{
		provider:  opts.Provider,
		tools:     opts.Registry,
		gate:      opts.Gate,
		memory:    opts.Memory,
		store:     opts.Store,
		metrics:   opts.Metrics,
		sinks:     opts.Sinks,
		builder:   NewContextBuilder(opts.Workspace),
		defaults:  defaults.normalized(),
		sem:       scheduler.NewSemaphore(reg.limits.MaxConcurrent),
		registry:  reg,
		dailyCap:  opts.DailyTokenLimit,
		memWait:   opts.MemoryTimeout,
		toolGrace: opts.ToolGrace,
		now:       time.Now,
	}
}

// Defaults returns the base RunConfig submissions are merged onto.
func (l *Loop) Defaults() RunConfig { return l.defaults }

// Tools returns the registry the loop executes against.
func (l *Loop) Tools() *tools.Registry { return l.tools }

// Runs lists tracked runs, newest first.
func (l *Loop) Runs() []RunInfo { return l.registry.List() }

// GetRun returns a tracked run.
func (l *Loop) GetRun(runID string) (RunInfo, bool) { return l.registry.Get(runID) }

// CancelRun cancels a running run and its subagents.
func (l *Loop) CancelRun(runID string) bool { return l.registry.Cancel(runID) }

// ActiveRuns is the number of runs holding a global slot.
func (l *Loop) ActiveRuns() int { return l.sem.InUse() }

// Status reports runtime facts for the status tool.
func (l *Loop) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"active_runs":   l.registry.countActive(),
		"run_slots":     fmt.Sprintf("%d/%d", l.sem.InUse(), l.sem.Cap()),
		"provider_mode": string(l.provider.PrimaryMode(ctx)),
		"tools":         len(l.tools.List()),
	}
	if l.store != nil {
		if used, err := l.store.GetDailyTokenUsage(); err == nil {
			status["tokens_today"] = used
			if l.dailyCap > 0 {
				status["daily_token_limit"] = l.dailyCap
			}
		}
	}
	if l.gate != nil {
		status["pending_approvals"] = len(l.gate.Pending())
	}
	return status
}

// Run executes sub to completion and returns its result. Events are kept
// on the result only.
func (l *Loop) Run(ctx context.Context, cfg RunConfig, sub TaskSubmission) *RunResult {
	return l.execute(ctx, cfg.Merge(sub.Overrides), sub, 0, uuid.NewString(), nil)
}

// RunHandle is a run started in the background. Events must be drained
// until the channel is closed; Wait returns once the run has finished.
type RunHandle struct {
	RunID  string
	Events <-chan Event

	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
}

// Wait blocks until the run is finished.
func (h *RunHandle) Wait() *RunResult {
	<-h.done
	return h.result
}

// Done is closed when the run is finished.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Cancel stops the run at its next suspension point.
func (h *RunHandle) Cancel() { h.cancel() }

// Start runs sub in a goroutine and streams its events.
func (l *Loop) Start(ctx context.Context, cfg RunConfig, sub TaskSubmission) *RunHandle {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, EventBuffer)
	h := &RunHandle{
		RunID:  uuid.NewString(),
		Events: ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer cancel()
		res := l.execute(ctx, cfg.Merge(sub.Overrides), sub, 0, h.RunID, ch)
		close(ch)
		h.result = res
		close(h.done)
	}()
	return h
}

// run is the per-run state. It lives on the goroutine executing the run.
type run struct {
	id       string
	depth    int
	cfg      RunConfig
	sub      TaskSubmission
	em       *emitter
	turn     int
	usage    provider.Usage
	messages []provider.Message
	toolset  map[string]tools.Tool
	toolDefs []provider.ToolDefinition
	catalog  string
	failures map[string]int
	callSeq  int
	provider string
	model    string
	started  time.Time
}

// errStop carries the terminal outcome out of the turn loop.
type errStop struct {
	status RunStatus
	err    *RunError
}

func (e *errStop) Error() string { return e.err.Error() }

func stop(kind ErrorKind, err error, format string, args ...any) *errStop {
	return &errStop{status: statusFor(kind), err: newRunError(kind, err, format, args...)}
}

func (l *Loop) execute(parent context.Context, cfg RunConfig, sub TaskSubmission, depth int, runID string, out chan<- Event) *RunResult {
	cfg = cfg.normalized()
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	r := &run{
		id:       runID,
		depth:    depth,
		cfg:      cfg,
		sub:      sub,
		failures: map[string]int{},
		started:  l.now(),
		em: &emitter{
			runID: runID,
			route: sub.Route,
			out:   out,
			store: l.store,
			sinks: l.sinks,
			now:   l.now,
		},
	}

	l.registry.register(RunInfo{
		RunID:       runID,
		ParentRunID: sub.ParentRunID,
		Depth:       depth,
		Task:        truncate(sub.Task, 200),
		Source:      sub.Source,
		StartedAt:   r.started,
	}, cancel)
	if l.store != nil {
		if err := l.store.CreateRun(&timeline.RunRecord{
			RunID:       runID,
			ParentRunID: sub.ParentRunID,
			Depth:       depth,
			TraceID:     sub.Route.TraceID,
			Source:      sub.Source,
			Channel:     sub.Route.Channel,
			ChatID:      sub.Route.ChatID,
			SenderID:    sub.Route.SenderID,
			Task:        sub.Task,
			StartedAt:   r.started,
		}); err != nil {
			slog.Warn("Run record create failed", "run", runID, "error", err)
		}
	}
	if l.metrics != nil {
		l.metrics.RunStarted(depth)
	}
	slog.Info("Run started", "run", runID, "depth", depth, "parent", sub.ParentRunID, "source", sub.Source, "trace_id", sub.Route.TraceID)

	answer, st := l.drive(ctx, r, depth == 0)
	return l.finish(r, answer, st)
}

// drive runs INIT and the turn loop. It returns the final answer, or a
// terminal stop.
func (l *Loop) drive(ctx context.Context, r *run, acquire bool) (string, *errStop) {
	if acquire {
		if err := l.sem.Acquire(ctx); err != nil {
			return "", l.contextStop(ctx, "waiting for a run slot")
		}
		defer l.sem.Release()
	}

	if err := l.checkTokenQuota(); err != nil {
		return "", stop(KindBudgetExceeded, err, "%s", err.Error())
	}

	l.initTranscript(ctx, r)

	for {
		if ctx.Err() != nil {
			return "", l.contextStop(ctx, "before turn %d", r.turn+1)
		}
		if r.turn >= r.cfg.MaxTurns {
			return "", stop(KindBudgetExceeded, nil, "turn limit reached (%d)", r.cfg.MaxTurns)
		}
		if r.usage.TotalTokens >= r.cfg.MaxTokens {
			return "", stop(KindBudgetExceeded, nil, "token limit reached (%d/%d)", r.usage.TotalTokens, r.cfg.MaxTokens)
		}

		r.turn++
		l.registry.setTurn(r.id, r.turn)
		r.em.emit(EventThinking, r.turn, ThinkingData{Tier: r.cfg.ModelTier, Messages: len(r.messages)})

		resp, err := l.think(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return "", l.contextStop(ctx, "during provider call")
			}
			kind := classifyProviderError(err)
			return "", stop(kind, err, "provider call failed: %v", err)
		}
		r.usage = r.usage.Add(resp.Usage)
		r.provider, r.model = resp.Provider, resp.Model
		l.trackTokens(resp.Provider, resp.Usage)

		switch in := Interpret(resp).(type) {
		case FinalAnswer:
			return in.Answer, nil

		case Unparseable:
			if r.cfg.FailOpenOnParse {
				slog.Debug("Unparseable text reply, treating as answer", "run", r.id, "turn", r.turn)
				return in.Raw, nil
			}
			return "", stop(KindParse, ErrParse, "could not interpret model output")

		case NativeToolCall:
			calls := make([]provider.ToolCall, len(in.Calls))
			for i, c := range in.Calls {
				if c.ID == "" {
					c.ID = r.nextCallID()
				}
				calls[i] = c
			}
			r.messages = append(r.messages, provider.Message{Role: provider.RoleAssistant, Content: in.Text, ToolCalls: calls})
			if st := l.act(ctx, r, calls); st != nil {
				return "", st
			}

		case TextProtocolCall:
			call := in.Call
			call.ID = r.nextCallID()
			// The call is recorded structurally too so a native fallback
			// sees a tool_use for the result that follows.
			r.messages = append(r.messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: []provider.ToolCall{call}})
			if st := l.act(ctx, r, []provider.ToolCall{call}); st != nil {
				return "", st
			}
		}
	}
}

func (r *run) nextCallID() string {
	r.callSeq++
	return fmt.Sprintf("call_%s_%d", r.id[:8], r.callSeq)
}

// initTranscript resolves the tool set and builds the first messages. Both
// tool shapes are kept: any provider in the chain may serve a turn, and the
// manager hands each one the shape its mode understands.
func (l *Loop) initTranscript(ctx context.Context, r *run) {
	list := l.toolsFor(r)
	r.toolset = make(map[string]tools.Tool, len(list))
	for _, t := range list {
		r.toolset[t.Name()] = t
	}
	r.toolDefs, _ = tools.ToProviderSchema(provider.ModeNative, list)
	_, r.catalog = tools.ToProviderSchema(provider.ModeText, list)

	system := l.builder.BuildSystemPrompt(PromptInputs{
		Task:          r.sub.Task,
		Route:         r.sub.Route,
		Depth:         r.depth,
		MemoryContext: l.fetchMemory(ctx, r),
	})
	r.messages = l.builder.BuildMessages(system, r.sub)
}

// toolsFor is the registry view under the run's profile, plus delegate_task
// for top-level runs below MaxDepth. Subagents never get delegate_task.
func (l *Loop) toolsFor(r *run) []tools.Tool {
	profile := tools.LookupProfile(r.cfg.ToolPolicyProfile)
	var out []tools.Tool
	for _, t := range l.tools.ListFor(r.cfg.ToolPolicyProfile) {
		if t.Name() == tools.DelegateToolName {
			continue
		}
		out = append(out, t)
	}
	if r.depth == 0 && r.depth < r.cfg.MaxDepth {
		d := l.delegateTool(r.id, r.depth, r.cfg, r.sub.Route)
		if profile.Allows(d) {
			out = append(out, d)
		}
	}
	return out
}

// fetchMemory asks the memory collaborator for context, giving up after
// the fixed timeout even if the collaborator ignores its context.
func (l *Loop) fetchMemory(ctx context.Context, r *run) string {
	if l.memory == nil || r.cfg.MemoryBudget <= 0 {
		return ""
	}
	mctx, cancel := context.WithTimeout(ctx, l.memWait)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := l.memory.FetchContext(mctx, r.sub.Task, r.cfg.MemoryBudget)
		ch <- result{text, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			slog.Warn("Memory fetch failed", "run", r.id, "error", res.err)
			return ""
		}
		return res.text
	case <-mctx.Done():
		slog.Warn("Memory fetch timed out", "run", r.id, "timeout", l.memWait)
		return ""
	}
}

// think makes one provider call for the current transcript.
func (l *Loop) think(ctx context.Context, r *run) (*provider.ChatResponse, error) {
	req := &provider.ChatRequest{
		Messages:    r.messages,
		Tools:       r.toolDefs,
		ToolCatalog: r.catalog,
		Model:       r.cfg.Model,
		Tier:        r.cfg.ModelTier,
		MaxTokens:   r.cfg.ResponseMaxTokens,
		Temperature: r.cfg.Temperature,
		Retry:       &provider.RetryPolicy{MaxRetries: r.cfg.MaxRetries, BaseDelay: r.cfg.RetryDelay},
	}
	if !r.cfg.Stream {
		return l.provider.Chat(ctx, req)
	}
	return l.provider.ChatStream(ctx, req, func(chunk string) error {
		r.em.emit(EventChunk, r.turn, ChunkData{Text: chunk})
		return nil
	})
}

// act executes calls in order. Each call gets its tool_call event, exactly
// one result, and its observation before the next call starts.
func (l *Loop) act(ctx context.Context, r *run, calls []provider.ToolCall) *errStop {
	results := make([]provider.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return l.contextStop(ctx, "before tool %s", call.Name)
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		r.em.emit(EventToolCall, r.turn, ToolCallData{ToolName: call.Name, Params: call.Arguments, CallID: call.ID})

		res, kind := l.executeCall(ctx, r, call)
		results = append(results, res)
		r.em.emit(EventObservation, r.turn, ObservationData{
			CallID:  res.CallID,
			Success: res.Success,
			Output:  res.Output,
			Error:   res.Error,
			Kind:    kind,
		})

		if kind == KindCancelled {
			return l.contextStop(ctx, "during tool %s", call.Name)
		}
		// A success anywhere ends every failure streak: only consecutive
		// failures of the same call count toward MaxRetries.
		if res.Success {
			clear(r.failures)
			continue
		}
		key := callKey(call)
		if kind != KindToolExecution {
			continue
		}
		r.failures[key]++
		if r.failures[key] >= max(r.cfg.MaxRetries, 1) {
			return stop(KindToolExecution, errors.New(res.Error),
				"tool %s failed %d times with the same arguments: %s", call.Name, r.failures[key], res.Error)
		}
	}
	r.messages = append(r.messages, provider.Message{Role: provider.RoleUser, ToolResults: results})
	return nil
}

// executeCall validates, gates and runs one call. The returned kind is
// empty on success.
func (l *Loop) executeCall(ctx context.Context, r *run, call provider.ToolCall) (provider.ToolResult, ErrorKind) {
	fail := func(kind ErrorKind, msg string) (provider.ToolResult, ErrorKind) {
		if l.metrics != nil {
			l.metrics.ToolCalled(call.Name, string(kind), 0)
		}
		return provider.ToolResult{CallID: call.ID, Name: call.Name, Error: msg}, kind
	}

	tool, ok := r.toolset[call.Name]
	if !ok {
		return fail(KindToolExecution, fmt.Sprintf("tool not available: %s", call.Name))
	}
	if err := tools.ValidateArgs(tool.Params(), call.Arguments); err != nil {
		return fail(KindToolExecution, "invalid parameters: "+err.Error())
	}

	if approval.ShouldGate(r.cfg.ApprovalPolicy, tools.NeedsApproval(tool)) {
		if l.gate == nil {
			return fail(KindApprovalDenied, "approval required but no approval gate is configured")
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.ApprovalTimeout)
		d, err := l.gate.RequestApproval(actx, approval.Request{
			RunID:  r.id,
			CallID: call.ID,
			Tool:   call.Name,
			Params: call.Arguments,
			Route:  r.sub.Route,
		})
		cancel()
		switch {
		case err != nil && ctx.Err() != nil:
			return fail(KindCancelled, "approval wait cancelled")
		case err != nil || d.State == approval.StateExpired:
			return fail(KindApprovalExpired, fmt.Sprintf("approval request %s expired without a decision", d.ID))
		case !d.Approved():
			return fail(KindApprovalDenied, fmt.Sprintf("approval request %s denied by %s", d.ID, responderName(d.Responder)))
		}
		if d.ModifiedParams != nil {
			call.Arguments = d.ModifiedParams
			if err := tools.ValidateArgs(tool.Params(), call.Arguments); err != nil {
				return fail(KindToolExecution, "invalid modified parameters: "+err.Error())
			}
		}
	}

	started := l.now()
	res, abandoned := l.runTool(ctx, tool, call)
	outcome := "success"
	kind := ErrorKind("")
	switch {
	case abandoned:
		outcome, kind = "abandoned", KindCancelled
	case !res.Success:
		outcome, kind = "error", KindToolExecution
	}
	if l.metrics != nil {
		l.metrics.ToolCalled(call.Name, outcome, time.Since(started))
	}
	slog.Debug("Tool executed", "run", r.id, "name", call.Name, "success", res.Success, "result_length", len(res.Output))
	return res, kind
}

// runTool executes in a goroutine. After ctx is done the tool gets the
// grace period to return; then it is abandoned.
func (l *Loop) runTool(ctx context.Context, tool tools.Tool, call provider.ToolCall) (provider.ToolResult, bool) {
	ch := make(chan provider.ToolResult, 1)
	go func() { ch <- tools.ExecuteTool(ctx, tool, call) }()

	select {
	case res := <-ch:
		return res, false
	case <-ctx.Done():
	}
	grace := time.NewTimer(l.toolGrace)
	defer grace.Stop()
	select {
	case res := <-ch:
		if ctx.Err() != nil && !res.Success {
			return res, true
		}
		return res, false
	case <-grace.C:
		slog.Warn("Tool abandoned after cancellation", "tool", call.Name, "grace", l.toolGrace)
		return provider.ToolResult{CallID: call.ID, Name: call.Name, Error: "abandoned after cancellation"}, true
	}
}

// contextStop maps a done context to cancelled or timed_out.
func (l *Loop) contextStop(ctx context.Context, where string, args ...any) *errStop {
	at := fmt.Sprintf(where, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stop(KindTimeout, ctx.Err(), "run timed out %s", at)
	}
	return stop(KindCancelled, ctx.Err(), "run cancelled %s", at)
}

// finish emits the terminal events and records the outcome.
func (l *Loop) finish(r *run, answer string, st *errStop) *RunResult {
	status := StatusCompleted
	var runErr *RunError
	if st != nil {
		status, runErr = st.status, st.err
	}

	done := DoneData{Status: status, Turns: r.turn, Usage: r.usage}
	switch {
	case status == StatusCompleted:
		r.em.emit(EventFinalAnswer, r.turn, FinalAnswerData{Answer: answer, Usage: r.usage})
	case status == StatusFailed || status == StatusTimedOut:
		r.em.emit(EventError, r.turn, ErrorData{Kind: runErr.Kind, Message: runErr.Reason})
		done.Reason = runErr.Reason
	default:
		done.Reason = runErr.Reason
	}
	r.em.emit(EventDone, r.turn, done)

	finished := l.now()
	res := &RunResult{
		RunID:       r.id,
		ParentRunID: r.sub.ParentRunID,
		Depth:       r.depth,
		Status:      status,
		Answer:      answer,
		Usage:       r.usage,
		Turns:       r.turn,
		Error:       runErr,
		Provider:    r.provider,
		Model:       r.model,
		Events:      r.em.history(),
		StartedAt:   r.started,
		FinishedAt:  finished,
	}

	l.registry.finish(r.id, status, runErr)
	if l.store != nil {
		rec := &timeline.RunRecord{
			RunID:            r.id,
			Status:           string(status),
			Answer:           answer,
			Turns:            r.turn,
			PromptTokens:     r.usage.PromptTokens,
			CompletionTokens: r.usage.CompletionTokens,
			TotalTokens:      r.usage.TotalTokens,
			ProviderID:       r.provider,
			ModelName:        r.model,
			FinishedAt:       &finished,
		}
		if runErr != nil {
			rec.ErrorKind = string(runErr.Kind)
			rec.ErrorText = runErr.Reason
		}
		if err := l.store.FinishRun(rec); err != nil {
			slog.Warn("Run record finish failed", "run", r.id, "error", err)
		}
	}
	if l.metrics != nil {
		l.metrics.RunFinished(string(status), r.depth, r.turn, res.Duration(), r.usage)
	}

	if status == StatusCompleted && r.depth == 0 && r.cfg.StoreFacts && l.memory != nil && answer != "" {
		fact := fmt.Sprintf("Task: %s\nAnswer: %s", truncate(r.sub.Task, 500), truncate(answer, 1500))
		go l.memory.StoreFact(context.Background(), fact)
	}

	attrs := []any{"run", r.id, "status", status, "turns", r.turn, "tokens", r.usage.TotalTokens, "duration", res.Duration()}
	if runErr != nil {
		attrs = append(attrs, "reason", runErr.Reason)
	}
	slog.Info("Run finished", attrs...)
	return res
}

// trackTokens persists token usage for the daily counters.
func (l *Loop) trackTokens(providerID string, usage provider.Usage) {
	if l.store == nil || usage.TotalTokens <= 0 {
		return
	}
	if err := l.store.AddTokenUsage(providerID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens); err != nil {
		slog.Warn("Token usage record failed", "provider", providerID, "error", err)
	}
}

// checkTokenQuota refuses new runs once the daily limit is used up.
func (l *Loop) checkTokenQuota() error {
	if l.store == nil || l.dailyCap <= 0 {
		return nil
	}
	used, err := l.store.GetDailyTokenUsage()
	if err != nil {
		return nil // fail open
	}
	if used >= l.dailyCap {
		return fmt.Errorf("daily token quota exceeded (%d/%d)", used, l.dailyCap)
	}
	return nil
}

// callKey identifies "the same call": tool name plus canonical arguments.
// encoding/json sorts map keys, so equal arguments encode equally.
func callKey(call provider.ToolCall) string {
	args, _ := json.Marshal(call.Arguments)
	return call.Name + "\x00" + string(args)
}

func responderName(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown responder"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
