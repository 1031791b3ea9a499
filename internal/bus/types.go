// Package bus implements the process-local message bus (C1): a two-queue
// fan-in/fan-out with no persistence, bounded buffers, and strict FIFO per
// producer. See MessageBus for the queues and the Manager in internal/channels
// for the fan-out/dispatch side.
package bus

import (
	"context"
	"time"
)

// InboundMessage is produced by exactly one transport adapter and consumed
// exactly once by the agent loop.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	SenderNick   string            `json:"sender_nick,omitempty"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	IsGroup      bool              `json:"is_group"`
	Media        []string          `json:"media,omitempty"`
	IDClient     string            `json:"id_client,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	PeerKind     string            `json:"peer_kind,omitempty"` // "direct" or "group", mirrors IsGroup
	UserID       string            `json:"user_id,omitempty"`
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is produced by the agent loop or scheduler and consumed by
// the transport adapter named by Channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent alongside an OutboundMessage.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a process-internal notification (agent lifecycle, cache
// invalidation) broadcast to any subscriber; it never crosses the bus queues.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kinds used by Event payloads named "cache.invalidate".
const (
	CacheKindBootstrap = "bootstrap"
	CacheKindCron      = "cron"
)

// CacheInvalidatePayload signals that a cached resource should be reloaded.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// MessageHandler handles one inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling
// consumers (tracing, CLI status) from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between transports and
// the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
