package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/tools"
)

// scripted is a provider whose replies come from a function of the call
// index. Every request is recorded.
type scripted struct {
	id     string
	native bool
	reply  func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error)

	mu   sync.Mutex
	reqs []provider.ChatRequest
}

func (s *scripted) ID() string { return s.id }
func (s *scripted) Capabilities() provider.Capabilities {
	return provider.Capabilities{NativeToolCalling: s.native, Streaming: true}
}
func (s *scripted) ModelFor(t provider.Tier) string  { return "model-" + string(t) }
func (s *scripted) IsAvailable(context.Context) bool { return true }

func (s *scripted) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	n := len(s.reqs)
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	s.reqs = append(s.reqs, cp)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.reply(n, req)
}

func (s *scripted) ChatStream(ctx context.Context, req *provider.ChatRequest, onChunk func(string) error) (*provider.ChatResponse, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, w := range strings.SplitAfter(resp.Content, " ") {
		if w == "" {
			continue
		}
		if err := onChunk(w); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scripted) request(i int) provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func answer(text string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: text, Usage: provider.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}}
}

func toolCall(id, name string, args map[string]any) *provider.ChatResponse {
	return &provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{ID: id, Name: name, Arguments: args}},
		Usage:     provider.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
	}
}

func newManager(t *testing.T, p provider.LLMProvider) *provider.Manager {
	t.Helper()
	m, err := provider.NewManager([]provider.LLMProvider{p},
		provider.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

// echoTool records the arguments it ran with.
type echoTool struct {
	name     string
	approval bool
	fail     bool
	block    bool

	mu   sync.Mutex
	runs []map[string]any
}

func (e *echoTool) Name() string           { return e.name }
func (e *echoTool) Description() string    { return "echo " + e.name }
func (e *echoTool) RequiresApproval() bool { return e.approval }
func (e *echoTool) Params() []tools.Param {
	return []tools.Param{{Name: "text", Type: tools.TypeString}}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.mu.Lock()
	e.runs = append(e.runs, args)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if e.fail {
		return "", errBoom
	}
	return "echo:" + tools.GetString(args, "text", ""), nil
}

func (e *echoTool) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom error = boomError{}

// testLoop builds a loop over p with the given tools registered.
func testLoop(t *testing.T, p provider.LLMProvider, gate *approval.Gate, extra ...tools.Tool) *Loop {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewStatusTool(nil))
	reg.MustRegister(extra...)
	return NewLoop(LoopOptions{
		Provider: newManager(t, p),
		Registry: reg,
		Gate:     gate,
	})
}

func testConfig() RunConfig {
	cfg := DefaultRunConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func eventsOf(res *RunResult, typ EventType) []Event {
	var out []Event
	for _, ev := range res.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func toolNames(defs []provider.ToolDefinition) map[string]bool {
	out := map[string]bool{}
	for _, d := range defs {
		out[d.Function.Name] = true
	}
	return out
}

// fakeMemory implements Memory with an optional delay.
type fakeMemory struct {
	context string
	delay   time.Duration
	stored  chan string
}

func (m *fakeMemory) FetchContext(ctx context.Context, query string, budget int) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay) // ignores ctx on purpose
	}
	return m.context, nil
}

func (m *fakeMemory) StoreFact(ctx context.Context, text string) {
	if m.stored != nil {
		m.stored <- text
	}
}
