package bus

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the default bounded buffer depth per queue.
const DefaultQueueSize = 1024

// MessageBus is the process-local two-queue fan-in/fan-out: multiple
// producers, multiple consumers, strict FIFO per
// producer, no persistence. Publish blocks when a queue is full
// (backpressure) rather than dropping; Start/Stop are not needed since the
// bus owns no goroutines of its own — it's just channels plus an event
// pub/sub side-table.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMessageBus creates a bus with the default queue size.
func NewMessageBus() *MessageBus {
	return NewMessageBusWithSize(DefaultQueueSize)
}

// NewMessageBusWithSize creates a bus with a custom bounded buffer depth.
func NewMessageBusWithSize(size int) *MessageBus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		handlers: make(map[string]EventHandler),
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues an inbound message. Blocks while the buffer is
// full (backpressure); producers never fail.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.closed:
		slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available, ctx is cancelled, or
// the bus is shut down. ok is false in the latter two cases.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.closed:
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound message for the channel manager's
// dispatcher to route. Blocks while the buffer is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-b.closed:
		slog.Warn("bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until a message is available, ctx is cancelled, or
// the bus is shut down.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.closed:
		return OutboundMessage{}, false
	}
}

// Shutdown stops accepting new publishes and wakes any blocked
// publish/consume calls. Part of the graceful-shutdown sequence: once
// closed, publish calls return immediately instead of enqueueing.
func (b *MessageBus) Shutdown() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Subscribe registers an event handler under id (EventPublisher).
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a registered handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to every subscribed handler synchronously.
// Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
