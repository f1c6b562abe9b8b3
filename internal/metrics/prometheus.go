// Package metrics provides Prometheus-based recording for runs, provider
// calls, tools and approvals.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
)

const namespace = "agentcore"

// PrometheusRecorder implements provider.Recorder, agent.Metrics and
// inbox.Recorder on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runsActive       prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	runTurns         prometheus.Histogram
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
	toolCallsTotal   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	approvalsTotal   *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	approvalWait     *prometheus.HistogramVec
	classifications  *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with a fresh registry that also
// carries the Go and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		runsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Runs started, by depth",
			},
			[]string{"depth"},
		),
		runsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs finished, by terminal status and depth",
			},
			[]string{"status", "depth"},
		),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing",
		}),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of runs",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		runTurns: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_turns",
			Help:      "Provider turns per finished run",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30, 60},
		}),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Provider calls by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		tokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Tokens used by provider calls",
			},
			[]string{"provider", "model", "type"},
		),
		fallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_fallbacks_total",
				Help:      "Moves to the next provider in the fallback chain",
			},
			[]string{"from", "to"},
		),
		toolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Duration of tool executions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		approvalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Approval requests by final state",
			},
			[]string{"state"},
		),
		approvalsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests awaiting a decision",
		}),
		approvalWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "approval_wait_seconds",
				Help:      "Time from approval request to decision",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_classifications_total",
				Help:      "Inbox routing decisions by kind and reason",
			},
			[]string{"kind", "reason"},
		),
	}
}

// Registry returns the recorder's registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ObserveProviderCall records one provider attempt.
func (p *PrometheusRecorder) ObserveProviderCall(providerID, model, outcome string, d time.Duration, usage provider.Usage) {
	p.requestsTotal.WithLabelValues(providerID, model, outcome).Inc()
	p.requestDuration.WithLabelValues(providerID, model).Observe(d.Seconds())
	if usage.PromptTokens > 0 {
		p.tokensTotal.WithLabelValues(providerID, model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		p.tokensTotal.WithLabelValues(providerID, model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// ObserveFallback records a move down the provider chain.
func (p *PrometheusRecorder) ObserveFallback(from, to string) {
	p.fallbacksTotal.WithLabelValues(from, to).Inc()
}

// RunStarted counts a run and marks it active.
func (p *PrometheusRecorder) RunStarted(depth int) {
	p.runsStarted.WithLabelValues(strconv.Itoa(depth)).Inc()
	p.runsActive.Inc()
}

// RunFinished records a run's terminal status.
func (p *PrometheusRecorder) RunFinished(status string, depth, turns int, d time.Duration, _ provider.Usage) {
	p.runsActive.Dec()
	p.runsFinished.WithLabelValues(status, strconv.Itoa(depth)).Inc()
	p.runDuration.WithLabelValues(status).Observe(d.Seconds())
	p.runTurns.Observe(float64(turns))
}

// ToolCalled records one tool call. Calls rejected before execution have
// zero duration and are not observed in the histogram.
func (p *PrometheusRecorder) ToolCalled(tool, outcome string, d time.Duration) {
	p.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		p.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// ObserveClassification records an inbox routing decision.
func (p *PrometheusRecorder) ObserveClassification(kind, reason string) {
	if strings.HasPrefix(reason, "keyword:") {
		reason = "keyword"
	}
	p.classifications.WithLabelValues(kind, reason).Inc()
}

// AttachGate hooks the recorder into g's request and resolve callbacks,
// keeping any hooks already set. Call before g is used.
func (p *PrometheusRecorder) AttachGate(g *approval.Gate) {
	prevReq, prevRes := g.OnRequest, g.OnResolve
	g.OnRequest = func(req approval.Request) {
		p.approvalsPending.Inc()
		if prevReq != nil {
			prevReq(req)
		}
	}
	g.OnResolve = func(req approval.Request, d approval.Decision) {
		p.approvalsPending.Dec()
		p.approvalsTotal.WithLabelValues(string(d.State)).Inc()
		if !req.CreatedAt.IsZero() && !d.ResolvedAt.IsZero() {
			p.approvalWait.WithLabelValues(string(d.State)).Observe(d.ResolvedAt.Sub(req.CreatedAt).Seconds())
		}
		if prevRes != nil {
			prevRes(req, d)
		}
	}
}
