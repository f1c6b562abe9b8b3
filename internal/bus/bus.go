// Package bus provides the async message bus between task sources and the
// inbox router.
package bus

import (
	"context"
	"sync"
	"time"
)

// Route identifies where a task came from and where replies go.
type Route struct {
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// InboundMessage is a task submission from a source.
type InboundMessage struct {
	Route
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// OutboundMessage is a reply routed back to a source.
type OutboundMessage struct {
	Route
	RunID   string `json:"run_id,omitempty"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// MessageBus decouples sources from the router.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound queues a submission. Blocks while the queue is full or
// until ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a reply for DispatchOutbound.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages to a channel. The
// channel "*" receives everything.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := append([]func(*OutboundMessage){}, b.subs[msg.Channel]...)
			callbacks = append(callbacks, b.subs["*"]...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
