package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/scheduler"
	"github.com/loomrelay/loomrelay/internal/sessions"
)

// makeSchedulerRunFunc routes cron and heartbeat turns through the same
// dispatcher as transport turns, so synthetic sessions respect the one
// in-flight-turn-per-key guarantee.
func makeSchedulerRunFunc(dispatcher *agent.Dispatcher) scheduler.RunFunc {
	return func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return dispatcher.RunSync(ctx, req)
	}
}

// groupChatPrompt is appended to the system prompt for group conversations.
const groupChatPrompt = "You are in a GROUP chat (multiple participants), not a private 1-on-1 DM.\n" +
	"- The current message includes a [From: sender_name] tag identifying who wrote it.\n" +
	"- Keep responses concise and focused; long replies are disruptive in groups."

// consumeInboundMessages reads inbound messages from the bus and routes them
// through the agent dispatcher, publishing each reply back as an outbound
// message on the originating channel. Runs until ctx is cancelled or the bus
// shuts down.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, dispatcher *agent.Dispatcher, sessionMgr *sessions.Manager, cfg *config.Config) {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		// Empty text with no media carries nothing to act on.
		if msg.Content == "" && len(msg.Media) == 0 {
			slog.Debug("inbound: dropping empty message", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if handleSlashCommand(msgBus, sessionMgr, cfg, msg) {
			continue
		}

		peerKind := msg.PeerKind
		if peerKind == "" {
			peerKind = string(sessions.PeerKindFromGroup(msg.IsGroup))
		}
		sessionKey := sessions.BuildSessionKey(msg.Channel, msg.ChatID)
		runID := fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8])

		historyLimit := msg.HistoryLimit
		if historyLimit <= 0 {
			historyLimit = cfg.Agent.HistoryWindow
		}

		content := msg.Content
		var extraPrompt string
		if msg.IsGroup {
			extraPrompt = groupChatPrompt
			if msg.SenderNick != "" {
				content = fmt.Sprintf("[From: %s] %s", msg.SenderNick, content)
			}
		}

		slog.Info("inbound: dispatching message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", peerKind,
			"session", sessionKey,
		)

		outCh := dispatcher.Submit(ctx, agent.RunRequest{
			SessionKey:        sessionKey,
			Message:           content,
			Media:             msg.Media,
			Channel:           msg.Channel,
			ChatID:            msg.ChatID,
			PeerKind:          peerKind,
			SenderID:          msg.SenderID,
			SenderNick:        msg.SenderNick,
			IsGroup:           msg.IsGroup,
			IDClient:          msg.IDClient,
			RunID:             runID,
			HistoryLimit:      historyLimit,
			ExtraSystemPrompt: extraPrompt,
			Timestamp:         msg.Timestamp,
		})

		// Deliver asynchronously so a slow turn never blocks the consumer;
		// per-session ordering is already enforced inside the dispatcher.
		go func(channel, chatID, session string) {
			outcome := <-outCh
			if outcome.Err != nil {
				if errors.Is(outcome.Err, context.Canceled) {
					slog.Info("inbound: run cancelled", "channel", channel, "session", session)
					return
				}
				slog.Error("inbound: agent run failed", "error", outcome.Err, "channel", channel)
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: channel,
					ChatID:  chatID,
					Content: "I encountered an error: " + outcome.Err.Error(),
				})
				return
			}
			if outcome.Result.Content == "" {
				slog.Info("inbound: suppressed empty reply", "channel", channel, "session", session)
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: outcome.Result.Content,
			})
		}(msg.Channel, msg.ChatID, sessionKey)
	}
}

// handleSlashCommand services the small built-in command set (/start,
// /reset) without an agent turn. Returns true when the message was consumed.
// In groups, /reset is restricted to the configured owner IDs when any are
// set.
func handleSlashCommand(msgBus *bus.MessageBus, sessionMgr *sessions.Manager, cfg *config.Config, msg bus.InboundMessage) bool {
	cmd := strings.TrimSpace(msg.Content)
	if i := strings.Index(cmd, "@"); strings.HasPrefix(cmd, "/") && i > 0 {
		cmd = cmd[:i] // strip "@botname" suffix Telegram appends in groups
	}
	switch cmd {
	case "/start":
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: "Hi! Send me a message and I'll get to work.",
		})
		return true
	case "/reset":
		if msg.IsGroup && len(cfg.Gateway.OwnerIDs) > 0 && !isOwner(cfg.Gateway.OwnerIDs, msg) {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: "Only the owner can reset a group conversation.",
			})
			return true
		}
		key := sessions.BuildSessionKey(msg.Channel, msg.ChatID)
		sessionMgr.Reset(key)
		sessionMgr.Save(key)
		slog.Info("session reset via command", "session", key)
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: "Conversation history cleared.",
		})
		return true
	}
	return false
}

func isOwner(ownerIDs []string, msg bus.InboundMessage) bool {
	for _, id := range ownerIDs {
		if id == msg.SenderID || id == msg.UserID {
			return true
		}
	}
	return false
}
