package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default retry settings used when a request carries no RetryPolicy.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Recorder receives per-attempt observations. The metrics package provides
// the Prometheus implementation; nil disables recording.
type Recorder interface {
	ObserveProviderCall(providerID, model, outcome string, d time.Duration, usage Usage)
	ObserveFallback(from, to string)
}

// Manager presents one Chat/ChatStream contract over an ordered fallback
// chain of providers. It is safe for concurrent use; it holds no per-call
// state.
type Manager struct {
	providers []LLMProvider
	retry     RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
	recorder  Recorder
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetry sets the default retry policy.
func WithRetry(maxRetries int, baseDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retry = RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
	}
}

// WithSleeper replaces the backoff wait. Tests use it to record delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a Manager over the given chain. The order of providers
// is the fallback order.
func NewManager(providers []LLMProvider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("provider chain is empty")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("provider chain contains nil provider")
		}
		if seen[p.ID()] {
			return nil, fmt.Errorf("duplicate provider in chain: %s", p.ID())
		}
		seen[p.ID()] = true
	}
	m := &Manager{
		providers: append([]LLMProvider(nil), providers...),
		retry:     RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultRetryDelay},
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Providers returns the chain in fallback order.
func (m *Manager) Providers() []LLMProvider {
	return append([]LLMProvider(nil), m.providers...)
}

// Primary returns the first provider of the chain.
func (m *Manager) Primary() LLMProvider {
	return m.providers[0]
}

// PrimaryMode is the tool-calling mode of the first available provider.
func (m *Manager) PrimaryMode(ctx context.Context) Mode {
	for _, p := range m.providers {
		if p.IsAvailable(ctx) {
			return p.Capabilities().Mode()
		}
	}
	return m.providers[0].Capabilities().Mode()
}

// Chat runs a non-streaming completion over the fallback chain.
func (m *Manager) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return m.run(ctx, req, nil)
}

// ChatStream runs a streaming completion over the fallback chain. Once any
// chunk has been handed to onChunk, a later failure is terminal for the call:
// no retry and no fallback happen, and the returned *Error has
// AfterFirstChunk set.
func (m *Manager) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}
	return m.run(ctx, req, onChunk)
}

func (m *Manager) run(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	if req == nil {
		return nil, NewError("", ErrorTypeBadRequest, "nil request")
	}
	policy := m.retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	var lastErr error
	var prev string
	tried := 0
	for _, p := range m.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.IsAvailable(ctx) {
			slog.Debug("Provider unavailable, skipping", "provider", p.ID())
			continue
		}
		if req.HasImages() && !p.Capabilities().Vision {
			slog.Debug("Provider lacks vision, skipping", "provider", p.ID())
			continue
		}
		if prev != "" && m.recorder != nil {
			m.recorder.ObserveFallback(prev, p.ID())
		}
		prev = p.ID()
		tried++

		resp, err := m.tryProvider(ctx, p, req, policy, onChunk)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var pe *Error
		if errors.As(err, &pe) && pe.AfterFirstChunk {
			return nil, err
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("Provider exhausted retries, falling back", "provider", p.ID(), "error", err)
	}

	if tried == 0 {
		return nil, NewError("", ErrorTypeUnavailable, "no available provider in chain")
	}
	var pe *Error
	if errors.As(lastErr, &pe) {
		return nil, &Error{
			Type:       pe.Type,
			Provider:   pe.Provider,
			StatusCode: pe.StatusCode,
			Message:    fmt.Sprintf("all %d providers failed; last: %s", tried, pe.Error()),
			Err:        lastErr,
		}
	}
	return nil, &Error{Type: ErrorTypeUnknown, Message: fmt.Sprintf("all %d providers failed", tried), Err: lastErr}
}

// tryProvider calls one provider with exponential backoff between attempts:
// delay = BaseDelay * 2^attempt, for up to MaxRetries retries.
func (m *Manager) tryProvider(ctx context.Context, p LLMProvider, req *ChatRequest, policy RetryPolicy, onChunk func(string) error) (*ChatResponse, error) {
	call := forMode(p.Capabilities().Mode(), req)
	call.Model = modelFor(p, req)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
			slog.Info("Retrying provider", "provider", p.ID(), "attempt", attempt, "delay", delay, "error", lastErr)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		started := time.Now()
		resp, err := m.callOnce(ctx, p, &call, onChunk)
		m.observe(p.ID(), call.Model, started, resp, err)
		if err == nil {
			resp.Provider = p.ID()
			if resp.Model == "" {
				resp.Model = call.Model
			}
			resp.Mode = p.Capabilities().Mode()
			return resp, nil
		}
		lastErr = err
		var pe *Error
		if errors.As(err, &pe) && pe.AfterFirstChunk {
			return nil, err
		}
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// forMode shapes req for a provider's tool-calling mode. Native providers
// get the definitions as is. Text providers get no definitions, the catalog
// appended to the system prompt, and earlier structured tool calls rendered
// in the JSON reply protocol.
func forMode(mode Mode, req *ChatRequest) ChatRequest {
	call := *req
	if mode != ModeText {
		return call
	}
	call.Tools = nil

	msgs := make([]Message, 0, len(req.Messages)+1)
	injected := req.ToolCatalog == ""
	for _, m := range req.Messages {
		switch {
		case m.Role == RoleSystem && !injected:
			m.Content = joinNonEmpty(m.Content, req.ToolCatalog)
			injected = true
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			if !strings.Contains(m.Content, `"tool"`) {
				m.Content = joinNonEmpty(m.Content, protocolCalls(m.ToolCalls))
			}
			m.ToolCalls = nil
		}
		msgs = append(msgs, m)
	}
	if !injected {
		msgs = append([]Message{{Role: RoleSystem, Content: req.ToolCatalog}}, msgs...)
	}
	call.Messages = msgs
	return call
}

// protocolCalls renders calls the way a text-protocol model writes them.
func protocolCalls(calls []ToolCall) string {
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		b, err := json.Marshal(map[string]any{"type": "tool_call", "tool": c.Name, "params": args})
		if err != nil {
			continue
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) callOnce(ctx context.Context, p LLMProvider, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	if onChunk == nil {
		resp, err := p.Chat(ctx, req)
		return resp, ClassifyError(p.ID(), err)
	}

	emitted := false
	resp, err := p.ChatStream(ctx, req, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		emitted = true
		return onChunk(chunk)
	})
	if err == nil {
		return resp, nil
	}
	err = ClassifyError(p.ID(), err)
	if emitted {
		var pe *Error
		if errors.As(err, &pe) {
			pe.AfterFirstChunk = true
			return nil, pe
		}
		return nil, &Error{Type: ErrorTypeTransient, Provider: p.ID(), Err: err, AfterFirstChunk: true}
	}
	return nil, err
}

func (m *Manager) observe(providerID, model string, started time.Time, resp *ChatResponse, err error) {
	if m.recorder == nil {
		return
	}
	outcome := "success"
	var usage Usage
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case err != nil:
		outcome = string(TypeOf(err))
	case resp != nil:
		usage = resp.Usage
	}
	m.recorder.ObserveProviderCall(providerID, model, outcome, time.Since(started), usage)
}

// modelFor resolves the concrete model for p. An explicit model override
// applies when it names no provider or names p.
func modelFor(p LLMProvider, req *ChatRequest) string {
	if req.Model != "" {
		provID, model := ParseModelString(req.Model)
		if provID == "" || NormalizeProviderID(provID) == p.ID() {
			return model
		}
	}
	return p.ModelFor(req.Tier)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
