package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
)

func TestRunMetrics(t *testing.T) {
	r := NewPrometheusRecorder()
	r.RunStarted(0)
	r.RunStarted(1)
	if got := testutil.ToFloat64(r.runsActive); got != 2 {
		t.Fatalf("active = %v, want 2", got)
	}
	r.RunFinished("completed", 1, 3, 2*time.Second, provider.Usage{})
	if got := testutil.ToFloat64(r.runsActive); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.runsFinished.WithLabelValues("completed", "1")); got != 1 {
		t.Fatalf("finished = %v, want 1", got)
	}
}

func TestProviderMetrics(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveProviderCall("openai", "gpt", "success", time.Second, provider.Usage{PromptTokens: 10, CompletionTokens: 5})
	r.ObserveProviderCall("openai", "gpt", "rate_limit", time.Second, provider.Usage{})
	r.ObserveFallback("openai", "anthropic")

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "gpt", "prompt")); got != 10 {
		t.Fatalf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("openai", "gpt", "rate_limit")); got != 1 {
		t.Fatalf("rate_limit requests = %v", got)
	}
	if got := testutil.ToFloat64(r.fallbacksTotal.WithLabelValues("openai", "anthropic")); got != 1 {
		t.Fatalf("fallbacks = %v", got)
	}
}

func TestToolAndClassificationMetrics(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ToolCalled("exec", "success", 10*time.Millisecond)
	r.ToolCalled("exec", "approval_denied", 0)
	r.ObserveClassification("agentic", "keyword: security")

	if got := testutil.ToFloat64(r.toolCallsTotal.WithLabelValues("exec", "approval_denied")); got != 1 {
		t.Fatalf("denied calls = %v", got)
	}
	if got := testutil.ToFloat64(r.classifications.WithLabelValues("agentic", "keyword")); got != 1 {
		t.Fatalf("keyword classifications = %v", got)
	}
}

func TestAttachGate(t *testing.T) {
	r := NewPrometheusRecorder()
	g := approval.NewGate(nil, time.Minute)
	var seen int
	g.OnRequest = func(req approval.Request) {
		seen++
		go func() { _, _ = g.Resolve(req.ID, false, "ops", nil) }()
	}
	r.AttachGate(g)

	d, err := g.RequestApproval(context.Background(), approval.Request{Tool: "exec"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved() || seen != 1 {
		t.Fatalf("unexpected decision %+v (hook calls %d)", d, seen)
	}
	if got := testutil.ToFloat64(r.approvalsTotal.WithLabelValues(string(approval.StateDenied))); got != 1 {
		t.Fatalf("denied approvals = %v", got)
	}
	if got := testutil.ToFloat64(r.approvalsPending); got != 0 {
		t.Fatalf("pending = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewPrometheusRecorder()
	r.RunStarted(0)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "agentcore_runs_started_total") {
		t.Fatal("expected run counter in exposition")
	}
}
