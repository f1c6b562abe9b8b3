package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/relay"
	"github.com/KafClaw/agentcore/internal/session"
)

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"short":            "****",
		"sk-ant-123456789": "sk-a****89",
	}
	for in, want := range cases {
		if got := mask(in); got != want {
			t.Errorf("mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactConfigLeavesOriginal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-abcdefghijkl"
	cfg.Gateway.AuthToken = "gateway-token-123"
	cfg.Relay.Kafka.Security.Password = "kafka-password-xyz"

	red := redactConfig(cfg)
	if strings.Contains(red.Providers.Anthropic.APIKey, "abcdefgh") {
		t.Fatalf("key not masked: %s", red.Providers.Anthropic.APIKey)
	}
	if red.Gateway.AuthToken == cfg.Gateway.AuthToken {
		t.Fatal("auth token not masked")
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-abcdefghijkl" {
		t.Fatal("redactConfig modified its input")
	}

	var buf bytes.Buffer
	if err := writeConfig(&buf, red, true); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "abcdefgh") || strings.Contains(buf.String(), "password-xyz") {
		t.Fatal("secret leaked into YAML output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggingJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	setupLogging(&buf, "warn", true)
	slog.Info("hidden")
	slog.Warn("shown", "run", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"shown"`) || !strings.Contains(out, `"run":"r1"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestConsoleSink(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	sink := &consoleSink{w: &buf}
	ctx := context.Background()

	events := []agent.Event{
		{Type: agent.EventThinking, Turn: 1, Data: agent.ThinkingData{Tier: provider.TierBalanced}},
		{Type: agent.EventChunk, Turn: 1, Data: agent.ChunkData{Text: "part"}},
		{Type: agent.EventToolCall, Turn: 1, Data: agent.ToolCallData{ToolName: "exec", Params: map[string]any{"command": "ls"}}},
		{Type: agent.EventObservation, Turn: 1, Data: agent.ObservationData{Success: false, Error: "denied"}},
		{Type: agent.EventDone, Turn: 2, Data: agent.DoneData{Status: agent.StatusCompleted, Turns: 2, Usage: provider.Usage{TotalTokens: 42}}},
	}
	for _, ev := range events {
		if err := sink.Emit(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	out := buf.String()
	for _, want := range []string{
		"thinking turn 1",
		"part\nexec{\"command\":\"ls\"}",
		"observation failed denied",
		"done completed after 2 turns, 42 tokens",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBearerMatches(t *testing.T) {
	cases := []struct {
		header string
		want   bool
	}{
		{"Bearer s3cret", true},
		{"Bearer  s3cret ", true},
		{"s3cret", true},
		{"Bearer s3cre", false},
		{"Bearer s3cret2", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := bearerMatches(tc.header, "s3cret"); got != tc.want {
			t.Errorf("bearerMatches(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}

func TestTruncateLine(t *testing.T) {
	if got := truncateLine(" a\nb ", 10); got != "a b" {
		t.Fatalf("got %q", got)
	}
	if got := truncateLine("abcdef", 3); got != "abc..." {
		t.Fatalf("got %q", got)
	}
	// "é" is two bytes; the cut backs off to the rune start.
	if got := truncateLine("aé", 2); got != "a..." {
		t.Fatalf("got %q", got)
	}
}

func TestBusApprovalPrompts(t *testing.T) {
	b := bus.NewMessageBus()
	g := approval.NewGate(nil, time.Minute)
	busApprovalPrompts(g, b)

	g.OnRequest(approval.Request{ID: "a1", Tool: "exec", Route: bus.Route{Channel: "http"}})
	g.OnRequest(approval.Request{ID: "a2", Tool: "exec", Route: bus.Route{Channel: "cli"}})
	if b.OutboundSize() != 0 {
		t.Fatalf("http and cli requests should not be prompted, got %d", b.OutboundSize())
	}

	got := make(chan *bus.OutboundMessage, 1)
	b.Subscribe("kafka", func(m *bus.OutboundMessage) { got <- m })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	g.OnRequest(approval.Request{ID: "a3", RunID: "r1", Tool: "write_file", Route: bus.Route{Channel: "kafka", ChatID: "c1"}})
	select {
	case m := <-got:
		if m.ChatID != "c1" || m.RunID != "r1" || !strings.Contains(m.Content, "approve:a3") {
			t.Fatalf("unexpected prompt %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt published")
	}
}

func TestBuildRelaysDisabled(t *testing.T) {
	rl, err := buildRelays(config.DefaultConfig().Relay, bus.NewMessageBus())
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()
	if len(rl.sinks) != 0 || rl.kafka != nil || rl.kafkaIn != nil {
		t.Fatalf("expected no relays, got %+v", rl)
	}
}

func TestBuildRelaysRejectsNATSWithoutURL(t *testing.T) {
	cfg := config.DefaultConfig().Relay
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	if _, err := buildRelays(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected an error for NATS without a URL")
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil)
	if !strings.Contains(buf.String(), "No sessions.") {
		t.Fatalf("got %q", buf.String())
	}

	buf.Reset()
	printSessions(&buf, []session.Info{{Key: "kafka:c1", Messages: 4, UpdatedAt: time.Now()}})
	if !strings.Contains(buf.String(), "kafka:c1") || !strings.Contains(buf.String(), "4") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestPrintProbe(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printProbe(&buf, &relay.ProbeReport{
		Broker: "b1:9092",
		Topics: []relay.TopicStatus{
			{Role: "submit", Topic: "tasks", Found: true, Partitions: 3, Leaders: 3},
			{Role: "events", Topic: "events"},
		},
	})
	out := buf.String()
	for _, want := range []string{"Connected to b1:9092", "tasks", "ok", "missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
