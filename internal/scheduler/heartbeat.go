package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/sessions"
)

// HeartbeatAck is the reply prefix that marks "nothing to report"; such
// replies are never delivered to a channel.
const HeartbeatAck = "HEARTBEAT_OK"

// DefaultHeartbeatPrompt is injected when no custom prompt is configured.
const DefaultHeartbeatPrompt = "Heartbeat check-in. Review pending work and your workspace notes. " +
	"If anything needs the user's attention, summarize it briefly; otherwise reply " + HeartbeatAck + "."

// Heartbeat injects a maintenance prompt into the agent on a fixed interval
// under the dedicated heartbeat session, and runs a maintenance callback
// (knowledge-store eviction) before each turn.
type Heartbeat struct {
	interval    time.Duration
	prompt      string
	run         RunFunc
	bus         *bus.MessageBus
	maintenance func(ctx context.Context)

	// optional delivery target for non-ack replies
	channel string
	to      string
}

// NewHeartbeat creates a heartbeat. interval <= 0 disables it (Start returns
// immediately); maintenance may be nil.
func NewHeartbeat(interval time.Duration, prompt string, run RunFunc, msgBus *bus.MessageBus, maintenance func(ctx context.Context), channel, to string) *Heartbeat {
	if prompt == "" {
		prompt = DefaultHeartbeatPrompt
	}
	return &Heartbeat{
		interval:    interval,
		prompt:      prompt,
		run:         run,
		bus:         msgBus,
		maintenance: maintenance,
		channel:     channel,
		to:          to,
	}
}

// Start blocks until ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.interval <= 0 {
		slog.Info("heartbeat disabled")
		return
	}
	slog.Info("heartbeat started", "interval", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	if h.maintenance != nil {
		h.maintenance(ctx)
	}

	result, err := h.run(ctx, agent.RunRequest{
		SessionKey: sessions.HeartbeatSessionKey,
		Message:    h.prompt,
		Channel:    "system",
		RunID:      "heartbeat",
	})
	if err != nil {
		slog.Error("heartbeat run failed", "error", err)
		return
	}

	content := strings.TrimSpace(result.Content)
	if content == "" || strings.HasPrefix(content, HeartbeatAck) {
		slog.Debug("heartbeat ack", "content_len", len(content))
		return
	}
	if h.channel != "" && h.to != "" {
		h.bus.PublishOutbound(bus.OutboundMessage{
			Channel: h.channel,
			ChatID:  h.to,
			Content: content,
		})
	}
}
