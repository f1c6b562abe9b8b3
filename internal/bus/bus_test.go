package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	ctx := context.Background()

	msg := &InboundMessage{Route: Route{Channel: "cli", ChatID: "c1"}, Content: "hello"}
	if err := b.PublishInbound(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if b.InboundSize() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.InboundSize())
	}

	got, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Content != "hello" || got.Channel != "cli" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeInbound(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatchOutboundRoutesByChannel(t *testing.T) {
	b := NewMessageBus()

	var mu sync.Mutex
	got := map[string]int{}
	done := make(chan struct{}, 3)
	record := func(key string) func(*OutboundMessage) {
		return func(*OutboundMessage) {
			mu.Lock()
			got[key]++
			mu.Unlock()
			done <- struct{}{}
		}
	}
	b.Subscribe("http", record("http"))
	b.Subscribe("kafka", record("kafka"))
	b.Subscribe("*", record("all"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.DispatchOutbound(ctx) }()

	b.PublishOutbound(&OutboundMessage{Route: Route{Channel: "http"}, Content: "x"})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got["http"] != 1 || got["all"] != 1 || got["kafka"] != 0 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}
