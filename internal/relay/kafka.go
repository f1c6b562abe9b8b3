// Package relay connects external brokers to the runtime: Kafka topics feed
// submissions onto the bus, and run events are mirrored to Kafka or NATS.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/config"
)

// ChannelKafka is the bus channel for submissions that arrived over Kafka.
const ChannelKafka = "kafka"

// IdempotencyHeader is the record header that overrides the record key as
// the submission's idempotency key.
const IdempotencyHeader = "idempotency-key"

// Reader is the subset of *kafka.Reader the source needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Writer is the subset of *kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KafkaSource reads JSON task submissions from a topic and publishes them
// to the bus.
type KafkaSource struct {
	reader Reader
	bus    *bus.MessageBus
	topic  string
}

// NewKafkaSource creates a consumer-group reader on cfg.SubmitTopic.
func NewKafkaSource(cfg config.KafkaRelayConfig, b *bus.MessageBus) (*KafkaSource, error) {
	brokers := brokerList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka relay: no brokers configured")
	}
	if cfg.SubmitTopic == "" {
		return nil, errors.New("kafka relay: submit topic is required")
	}
	dialer, err := newDialer(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("kafka relay: %w", err)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.SubmitTopic,
		GroupID:  cfg.GroupID,
		Dialer:   dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewKafkaSourceWithReader(r, cfg.SubmitTopic, b), nil
}

// NewKafkaSourceWithReader wraps an existing reader.
func NewKafkaSourceWithReader(r Reader, topic string, b *bus.MessageBus) *KafkaSource {
	return &KafkaSource{reader: r, bus: b, topic: topic}
}

// Run reads until ctx is done, then closes the reader. Records that are not
// valid submissions are logged and skipped.
func (s *KafkaSource) Run(ctx context.Context) error {
	slog.Info("Kafka relay consuming", "topic", s.topic)
	defer s.reader.Close()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("Kafka relay: read error", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		in, err := DecodeSubmission(msg)
		if err != nil {
			slog.Warn("Kafka relay: bad submission", "topic", s.topic, "partition", msg.Partition,
				"offset", msg.Offset, "error", err)
			continue
		}
		if err := s.bus.PublishInbound(ctx, in); err != nil {
			return nil
		}
	}
}

// DecodeSubmission turns a record into a bus message. The value is a
// TaskSubmission document; the idempotency key comes from the
// IdempotencyHeader header or, failing that, the record key.
func DecodeSubmission(msg kafka.Message) (*bus.InboundMessage, error) {
	var sub agent.TaskSubmission
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if strings.TrimSpace(sub.Task) == "" {
		return nil, errors.New("submission has no task")
	}

	route := sub.Route
	if route.Channel == "" {
		route.Channel = ChannelKafka
	}
	in := &bus.InboundMessage{
		Route:          route,
		IdempotencyKey: string(msg.Key),
		Content:        sub.Task,
		Metadata:       map[string]any{"source": sub.Source},
		Timestamp:      msg.Time,
	}
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, IdempotencyHeader) && len(h.Value) > 0 {
			in.IdempotencyKey = string(h.Value)
		}
	}
	if len(sub.History) > 0 {
		in.Metadata["history"] = sub.History
	}
	if sub.Overrides != nil {
		in.Metadata["overrides"] = sub.Overrides
	}
	if sub.ParentRunID != "" {
		in.Metadata["parentRunId"] = sub.ParentRunID
	}
	return in, nil
}

// KafkaSink produces run events and replies. Events go to the event topic
// keyed by run id so a run's events stay ordered within a partition.
type KafkaSink struct {
	writer     Writer
	eventTopic string
	replyTopic string
}

// NewKafkaSink creates an async producer. Delivery errors are logged.
func NewKafkaSink(cfg config.KafkaRelayConfig) (*KafkaSink, error) {
	brokers := brokerList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka relay: no brokers configured")
	}
	transport, err := newTransport(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("kafka relay: %w", err)
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Transport:              transport,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Warn("Kafka relay: delivery failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return NewKafkaSinkWithWriter(w, cfg.EventTopic, cfg.ReplyTopic), nil
}

// NewKafkaSinkWithWriter wraps an existing writer. The writer must not have
// a fixed topic.
func NewKafkaSinkWithWriter(w Writer, eventTopic, replyTopic string) *KafkaSink {
	return &KafkaSink{writer: w, eventTopic: eventTopic, replyTopic: replyTopic}
}

// Emit implements agent.EventSink.
func (s *KafkaSink) Emit(ctx context.Context, ev agent.Event) error {
	if s.eventTopic == "" {
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.eventTopic,
		Key:   []byte(ev.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
		Time: ev.Timestamp,
	})
}

// Reply publishes an outbound message on the reply topic keyed by chat id.
// It is meant as a bus subscriber for ChannelKafka.
func (s *KafkaSink) Reply(msg *bus.OutboundMessage) {
	if s.replyTopic == "" {
		return
	}
	value, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Kafka relay: encode reply", "error", err)
		return
	}
	key := msg.ChatID
	if key == "" {
		key = msg.RunID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{Topic: s.replyTopic, Key: []byte(key), Value: value}); err != nil {
		slog.Warn("Kafka relay: reply failed", "chat_id", msg.ChatID, "error", err)
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
