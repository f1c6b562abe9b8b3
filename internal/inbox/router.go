package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/provider"
)

// dedupWindow is how long an idempotency key suppresses repeats.
const dedupWindow = 10 * time.Minute

// Chatter makes single provider calls. *provider.Manager satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Runner starts agent runs. *agent.Loop satisfies it.
type Runner interface {
	Defaults() agent.RunConfig
	Start(ctx context.Context, cfg agent.RunConfig, sub agent.TaskSubmission) *agent.RunHandle
	Status(ctx context.Context) map[string]any
}

// Recorder observes routing decisions.
type Recorder interface {
	ObserveClassification(kind, reason string)
}

// SessionStore keeps history for bus conversations. *session.Store
// satisfies it.
type SessionStore interface {
	History(key string) []provider.Message
	Append(key string, msgs ...provider.Message) error
	Reset(key string) error
}

// Options wires a Router.
type Options struct {
	Runner   Runner
	Chat     Chatter
	Gate     *approval.Gate
	Recorder Recorder
	// Sessions supplies history to bus submissions that carry none.
	Sessions SessionStore
	// ShortThreshold overrides DefaultShortThreshold.
	ShortThreshold int
	// NoClassifier routes ambiguous input to the loop without a provider call.
	NoClassifier bool
}

// Router classifies submissions and dispatches them.
type Router struct {
	runner         Runner
	chat           Chatter
	gate           *approval.Gate
	recorder       Recorder
	sessions       SessionStore
	shortThreshold int
	noClassifier   bool
	seen           *haxmap.Map[string, time.Time]
}

// NewRouter creates a Router.
func NewRouter(opts Options) *Router {
	if opts.ShortThreshold <= 0 {
		opts.ShortThreshold = DefaultShortThreshold
	}
	return &Router{
		runner:         opts.Runner,
		chat:           opts.Chat,
		gate:           opts.Gate,
		recorder:       opts.Recorder,
		sessions:       opts.Sessions,
		shortThreshold: opts.ShortThreshold,
		noClassifier:   opts.NoClassifier,
		seen:           haxmap.New[string, time.Time](),
	}
}

// Reply is the outcome of a dispatch.
type Reply struct {
	Classification Classification   `json:"classification"`
	Content        string           `json:"content"`
	RunID          string           `json:"runId,omitempty"`
	Status         agent.RunStatus  `json:"status,omitempty"`
	Result         *agent.RunResult `json:"-"`
}

// Dispatch classifies sub and handles it. Run events are forwarded to sink
// when one is given. The error is non-nil only when sub could not be
// handled at all.
func (r *Router) Dispatch(ctx context.Context, sub agent.TaskSubmission, sink agent.EventSink) (*Reply, error) {
	if strings.TrimSpace(sub.Task) == "" {
		return nil, errors.New("empty task")
	}
	c := r.Classify(ctx, sub)
	if r.recorder != nil {
		r.recorder.ObserveClassification(string(c.Kind), c.Reason)
	}
	slog.Info("Submission classified", "kind", c.Kind, "complexity", c.Complexity, "confidence", c.Confidence,
		"reason", c.Reason, "source", sub.Source, "trace_id", sub.Route.TraceID)

	reply := &Reply{Classification: c}
	switch {
	case c.Command != CommandNone:
		reply.Content = r.handleCommand(ctx, c.Command, sub)
		return reply, nil
	case c.Kind == KindTrivial:
		content, err := r.answerDirect(ctx, sub)
		if err == nil {
			reply.Content = content
			return reply, nil
		}
		// A failed direct answer falls through to a full run.
		slog.Warn("Direct answer failed, running agent", "error", err)
		reply.Classification.Kind = KindAgentic
	}
	return r.runAgent(ctx, sub, reply, sink)
}

// HydrateConfig turns a classification into the run's base config.
// Submission overrides still apply on top.
func (r *Router) HydrateConfig(c Classification) agent.RunConfig {
	cfg := agent.DefaultRunConfig()
	if r.runner != nil {
		cfg = r.runner.Defaults()
	}
	if c.Complexity == "hard" {
		cfg.ModelTier = provider.TierBest
		cfg.MaxTurns *= 2
	}
	return cfg
}

func (r *Router) runAgent(ctx context.Context, sub agent.TaskSubmission, reply *Reply, sink agent.EventSink) (*Reply, error) {
	if r.runner == nil {
		return nil, errors.New("no agent runner configured")
	}
	h := r.runner.Start(ctx, r.HydrateConfig(reply.Classification), sub)
	reply.RunID = h.RunID

	for ev := range h.Events {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, ev); err != nil {
			slog.Warn("Event forward failed", "run", h.RunID, "type", ev.Type, "error", err)
		}
	}
	res := h.Wait()
	reply.Result = res
	reply.Status = res.Status
	reply.Content = summarize(res)
	return reply, nil
}

// summarize is the user-facing text for a finished run.
func summarize(res *agent.RunResult) string {
	switch res.Status {
	case agent.StatusCompleted:
		return res.Answer
	case agent.StatusCancelled:
		return "The task was cancelled."
	case agent.StatusBudgetExceeded:
		reason := "limit reached"
		if res.Error != nil {
			reason = res.Error.Reason
		}
		return "I had to stop before finishing: " + reason + "."
	case agent.StatusTimedOut:
		return "The task timed out before finishing."
	}
	if res.Error != nil {
		return "Error: " + res.Error.Reason
	}
	return "Error: run ended " + string(res.Status)
}

const directPrompt = "You are a concise, friendly assistant. Answer in one short reply."

// answerDirect makes one provider call for trivial chat.
func (r *Router) answerDirect(ctx context.Context, sub agent.TaskSubmission) (string, error) {
	if r.chat == nil {
		return "", errors.New("no provider configured")
	}
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: directPrompt}}
	history := sub.History
	for len(history) > 0 && history[0].Role != provider.RoleUser {
		history = history[1:]
	}
	for _, m := range history {
		if m.Role == provider.RoleSystem || len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: sub.Task})

	resp, err := r.chat.Chat(ctx, &provider.ChatRequest{
		Messages:  msgs,
		Tier:      provider.TierFast,
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", errors.New("empty reply")
	}
	return content, nil
}

const helpText = `Send a task in plain language and I will work on it.

Commands:
  /help          show this message
  /status        runtime status
  /reset         forget this conversation
  approve:<id>   approve a pending tool call
  deny:<id>      deny a pending tool call`

func (r *Router) handleCommand(ctx context.Context, cmd Command, sub agent.TaskSubmission) string {
	switch cmd {
	case CommandHelp:
		return helpText
	case CommandStatus:
		return r.statusText(ctx)
	case CommandReset:
		return r.resetSession(sub)
	case CommandApprove, CommandDeny:
		return r.resolveApproval(sub)
	}
	return ""
}

func (r *Router) resetSession(sub agent.TaskSubmission) string {
	key := conversationKey(sub.Route)
	if r.sessions == nil || key == "" {
		return "Nothing to reset."
	}
	if err := r.sessions.Reset(key); err != nil {
		slog.Warn("Session reset failed", "key", key, "error", err)
		return "Could not reset the conversation."
	}
	return "Conversation cleared."
}

// conversationKey names the session of a route; empty when the route has
// no chat.
func conversationKey(route bus.Route) string {
	if route.ChatID == "" {
		return ""
	}
	return route.Channel + ":" + route.ChatID
}

func (r *Router) statusText(ctx context.Context) string {
	if r.runner == nil {
		return "No agent runner configured."
	}
	status := r.runner.Status(ctx)
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("Status:")
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n  %s: %v", k, status[k])
	}
	return sb.String()
}

func (r *Router) resolveApproval(sub agent.TaskSubmission) string {
	id, approved, _ := approval.ParseCommand(sub.Task)
	if r.gate == nil {
		return "Approvals are not enabled."
	}
	responder := sub.Route.SenderID
	if responder == "" {
		responder = sub.Route.Channel
	}
	d, err := r.gate.Resolve(id, approved, responder, nil)
	if err != nil {
		slog.Warn("Approval response failed", "id", id, "error", err)
		return fmt.Sprintf("No pending approval found for ID %s.", id)
	}
	if d.Approved() != approved {
		return fmt.Sprintf("Approval %s was already %s by %s.", id, d.State, d.Responder)
	}
	return fmt.Sprintf("Approval %s: %s.", id, d.State)
}

// Run consumes the bus until ctx is done. Commands are answered in order;
// other submissions are dispatched concurrently so an approval reply can
// reach a run that is waiting for it. Replies go out on the submission's
// route.
func (r *Router) Run(ctx context.Context, b *bus.MessageBus) error {
	slog.Info("Inbox router started")
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to consume message", "error", err)
			continue
		}
		if r.duplicate(msg.IdempotencyKey) {
			slog.Info("Duplicate submission dropped", "key", msg.IdempotencyKey, "channel", msg.Channel)
			continue
		}
		sub := FromInbound(msg)

		if parseCommand(strings.TrimSpace(sub.Task)) != CommandNone {
			r.reply(ctx, b, sub)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reply(ctx, b, sub)
		}()
	}
}

func (r *Router) reply(ctx context.Context, b *bus.MessageBus, sub agent.TaskSubmission) {
	key := conversationKey(sub.Route)
	if r.sessions == nil {
		key = ""
	}
	if key != "" && len(sub.History) == 0 {
		sub.History = r.sessions.History(key)
	}

	rep, err := r.Dispatch(ctx, sub, nil)
	out := &bus.OutboundMessage{Route: sub.Route, Final: true}
	if err != nil {
		slog.Error("Failed to process message", "error", err)
		out.Content = fmt.Sprintf("Error: %v", err)
	} else {
		out.Content = rep.Content
		out.RunID = rep.RunID
		if key != "" && rememberTurn(rep) {
			if err := r.sessions.Append(key,
				provider.Message{Role: provider.RoleUser, Content: sub.Task},
				provider.Message{Role: provider.RoleAssistant, Content: rep.Content},
			); err != nil {
				slog.Warn("Session append failed", "key", key, "error", err)
			}
		}
	}
	if out.Content != "" {
		b.PublishOutbound(out)
	}
}

// rememberTurn reports whether a reply belongs in the conversation history.
// Commands and unfinished runs are left out.
func rememberTurn(rep *Reply) bool {
	if rep.Classification.Command != CommandNone || rep.Content == "" {
		return false
	}
	return rep.RunID == "" || rep.Status == agent.StatusCompleted
}

// duplicate reports whether key was seen inside the dedup window.
func (r *Router) duplicate(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	if at, ok := r.seen.Get(key); ok && now.Sub(at) < dedupWindow {
		return true
	}
	r.seen.Set(key, now)
	time.AfterFunc(dedupWindow, func() { r.seen.Del(key) })
	return false
}

// FromInbound converts a bus message into a submission. Metadata may carry
// "history" ([]provider.Message), "overrides" (*agent.RunConfigOverrides),
// "parentRunId" and "source".
func FromInbound(msg *bus.InboundMessage) agent.TaskSubmission {
	sub := agent.TaskSubmission{
		Task:   msg.Content,
		Source: msg.Channel,
		Route:  msg.Route,
	}
	if h, ok := msg.Metadata["history"].([]provider.Message); ok {
		sub.History = h
	}
	if o, ok := msg.Metadata["overrides"].(*agent.RunConfigOverrides); ok {
		sub.Overrides = o
	}
	if p, ok := msg.Metadata["parentRunId"].(string); ok {
		sub.ParentRunID = p
	}
	if src, ok := msg.Metadata["source"].(string); ok && src != "" {
		sub.Source = src
	}
	return sub
}
