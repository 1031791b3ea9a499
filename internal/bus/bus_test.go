package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInboundFIFOPerProducer(t *testing.T) {
	b := NewMessageBusWithSize(16)
	for i := 0; i < 10; i++ {
		b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: fmt.Sprintf("m%d", i)})
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d: bus closed unexpectedly", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Fatalf("message %d out of order: got %q, want %q", i, msg.Content, want)
		}
	}
}

func TestPublishBlocksWhenFull(t *testing.T) {
	b := NewMessageBusWithSize(1)
	b.PublishInbound(InboundMessage{Content: "first"})

	published := make(chan struct{})
	go func() {
		b.PublishInbound(InboundMessage{Content: "second"})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned with a full buffer; want backpressure")
	case <-time.After(50 * time.Millisecond):
	}

	if msg, ok := b.ConsumeInbound(context.Background()); !ok || msg.Content != "first" {
		t.Fatalf("consume: got (%q, %v)", msg.Content, ok)
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish still blocked after buffer drained")
	}
}

func TestConsumeRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume returned ok on cancelled context")
	}
}

func TestShutdownRejectsPublishes(t *testing.T) {
	b := NewMessageBusWithSize(1)
	b.PublishInbound(InboundMessage{Content: "fill"})
	b.Shutdown()

	done := make(chan struct{})
	go func() {
		// Would block forever without shutdown; must return promptly and drop.
		b.PublishInbound(InboundMessage{Content: "late"})
		b.PublishOutbound(OutboundMessage{Content: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after shutdown")
	}

	if _, ok := b.SubscribeOutbound(context.Background()); ok {
		t.Fatal("subscribe returned ok after shutdown with empty queue")
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "42", Content: "Hi there!"})
	msg, ok := b.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("subscribe: bus closed")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "Hi there!" {
		t.Fatalf("unexpected outbound: %+v", msg)
	}
}

func TestBroadcastReachesAllHandlers(t *testing.T) {
	b := NewMessageBus()
	got := make(map[string]int)
	b.Subscribe("a", func(ev Event) { got["a"]++ })
	b.Subscribe("b", func(ev Event) { got["b"]++ })
	b.Broadcast(Event{Name: "cache.invalidate"})
	if got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("broadcast counts: %v", got)
	}
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "cache.invalidate"})
	if got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("broadcast counts after unsubscribe: %v", got)
	}
}
