package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alphadose/haxmap"
	"github.com/nats-io/nats.go"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/config"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes each run event as JSON on "<prefix>.<runId>".
type NATSSink struct {
	client   Publisher
	prefix   string
	subjects *haxmap.Map[string, string]
}

// NewNATSSink connects to cfg.URL.
func NewNATSSink(cfg config.NATSRelayConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats relay: url is required")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("agentcore"),
		nats.Compression(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS relay disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats relay: connect %s: %w", cfg.URL, err)
	}
	return NewNATSSinkWithPublisher(nc, cfg.SubjectPrefix), nil
}

// NewNATSSinkWithPublisher wraps an existing connection.
func NewNATSSinkWithPublisher(p Publisher, prefix string) *NATSSink {
	return &NATSSink{
		client:   p,
		prefix:   strings.TrimSuffix(prefix, "."),
		subjects: haxmap.New[string, string](),
	}
}

// Subject returns the subject events for runID are published on.
func (s *NATSSink) Subject(runID string) string {
	subj, _ := s.subjects.GetOrCompute(runID, func() string {
		if s.prefix == "" {
			return runID
		}
		return s.prefix + "." + runID
	})
	return subj
}

// Emit implements agent.EventSink.
func (s *NATSSink) Emit(_ context.Context, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subj := s.Subject(ev.RunID)
	if ev.Type == agent.EventDone {
		s.subjects.Del(ev.RunID)
	}
	return s.client.Publish(subj, data)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.client.Drain()
}
