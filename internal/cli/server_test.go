package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/timeline"
)

// scriptedProvider answers the classifier with "agentic", asks for one exec
// call when the task mentions the shell, and otherwise answers directly.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) ID() string                          { return "scripted" }
func (p *scriptedProvider) Capabilities() provider.Capabilities { return provider.Capabilities{NativeToolCalling: true} }
func (p *scriptedProvider) ModelFor(t provider.Tier) string     { return "scripted-" + string(t) }
func (p *scriptedProvider) IsAvailable(context.Context) bool    { return true }

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	usage := provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	if strings.HasPrefix(req.Messages[0].Content, "Classify") {
		return &provider.ChatResponse{Content: `{"kind":"agentic","complexity":"normal"}`, Usage: usage}, nil
	}
	last := req.Messages[len(req.Messages)-1]
	if len(last.ToolResults) > 0 {
		return &provider.ChatResponse{Content: "all done: " + last.ToolResults[0].Text(), Usage: usage}, nil
	}
	if strings.Contains(last.Content, "shell") {
		return &provider.ChatResponse{
			ToolCalls: []provider.ToolCall{{ID: "c1", Name: "exec", Arguments: map[string]any{"command": "echo hello"}}},
			Usage:     usage,
		}, nil
	}
	return &provider.ChatResponse{Content: "Why do compilers never get lost? They follow the grammar.", Usage: usage}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *provider.ChatRequest, _ func(string) error) (*provider.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.Workspace = t.TempDir()
	cfg.Agent.RetryDelayMs = 1
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*runtime, *httptest.Server) {
	t.Helper()
	rt, err := buildRuntime(cfg, runtimeOptions{chain: []provider.LLMProvider{&scriptedProvider{}}})
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	srv := httptest.NewServer(newAPIServer(rt).Handler())
	t.Cleanup(func() {
		srv.Close()
		rt.Close()
	})
	return rt, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Fatalf("healthz = %v", got)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected Go collector output in /metrics")
	}
}

func TestAuthToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.AuthToken = "sekret"
	_, srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	status := decode[map[string]any](t, resp)
	if _, ok := status["run_slots"]; !ok {
		t.Fatalf("unexpected status body %v", status)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", resp.StatusCode)
	}
}

func TestSubmitTaskStreamsNDJSON(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp := postJSON(t, srv.URL+"/api/v1/tasks", map[string]any{"task": "tell me a joke about compilers"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("expected a trace id header")
	}

	var types []string
	var last map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		types = append(types, line["type"].(string))
		last = line
	}
	want := "thinking,final_answer,done,reply"
	if got := strings.Join(types, ","); got != want {
		t.Fatalf("line types = %s, want %s", got, want)
	}
	if last["status"] != "completed" || !strings.Contains(last["content"].(string), "grammar") {
		t.Fatalf("unexpected reply line %v", last)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/tasks", map[string]any{"task": "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty task status = %d", resp.StatusCode)
	}
}

func TestGatedToolApprovedOverHTTP(t *testing.T) {
	rt, srv := newTestServer(t, testConfig(t))

	type result struct {
		body replyBody
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/v1/tasks?stream=false", "application/json",
			strings.NewReader(`{"task":"please run echo in the shell"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var body replyBody
		err = json.NewDecoder(resp.Body).Decode(&body)
		done <- result{body: body, code: resp.StatusCode, err: err}
	}()

	var pending []approval.Request
	deadline := time.Now().Add(5 * time.Second)
	for len(pending) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no approval request appeared")
		}
		time.Sleep(10 * time.Millisecond)
		resp, err := http.Get(srv.URL + "/api/v1/approvals")
		if err != nil {
			t.Fatal(err)
		}
		pending = decode[[]approval.Request](t, resp)
	}
	if pending[0].Tool != "exec" {
		t.Fatalf("pending tool = %s", pending[0].Tool)
	}

	resp := postJSON(t, srv.URL+"/api/v1/approvals/"+pending[0].ID, approvalResponse{Approved: true, Responder: "ops"})
	d := decode[approval.Decision](t, resp)
	if resp.StatusCode != http.StatusOK || d.State != approval.StateApproved {
		t.Fatalf("resolve = %d %+v", resp.StatusCode, d)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.code != http.StatusOK || res.body.Status != "completed" {
		t.Fatalf("reply = %d %+v", res.code, res.body)
	}
	if !strings.Contains(res.body.Content, "hello") {
		t.Fatalf("expected tool output in answer, got %q", res.body.Content)
	}

	// The second answer for the same id reports the earlier decision.
	resp = postJSON(t, srv.URL+"/api/v1/approvals/"+pending[0].ID, approvalResponse{Approved: false})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("late deny status = %d, want 409", resp.StatusCode)
	}

	httpResp, err := http.Get(srv.URL + "/api/v1/approvals?state=approved")
	if err != nil {
		t.Fatal(err)
	}
	if recs := decode[[]timeline.ApprovalRecord](t, httpResp); len(recs) != 1 || recs[0].Responder != "ops" {
		t.Fatalf("audit rows = %+v", recs)
	}

	httpResp, err = http.Get(srv.URL + "/api/v1/runs/" + res.body.RunID)
	if err != nil {
		t.Fatal(err)
	}
	detail := decode[map[string]json.RawMessage](t, httpResp)
	var events []timeline.RunEventRecord
	if err := json.Unmarshal(detail["events"], &events); err != nil || len(events) == 0 {
		t.Fatalf("run events = %s (%v)", detail["events"], err)
	}
	if rt.gate.Pending() != nil {
		t.Fatal("expected no pending approvals")
	}
}

func TestApprovalAndRunNotFound(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp := postJSON(t, srv.URL+"/api/v1/approvals/nope", approvalResponse{Approved: true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown approval status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/runs/nope/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown run status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/v1/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", getResp.StatusCode)
	}

	getResp, err = http.Get(srv.URL + "/api/v1/approvals")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty pending list = %s", body)
	}
}
