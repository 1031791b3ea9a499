package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomrelay/loomrelay/internal/bus"
)

// Manager owns the lifecycle of all registered transport adapters and routes
// outbound messages from the bus to the adapter named by OutboundMessage.Channel.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	limiter      *OutboundLimiter
	dispatchDone chan struct{}
	cancel       context.CancelFunc
	mu           sync.RWMutex
}

// NewManager creates a channel manager. Channels are registered via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// SetOutboundLimiter bounds dispatch rate per chat_id. Nil disables limiting.
func (m *Manager) SetOutboundLimiter(l *OutboundLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiter = l
}

// StartAll starts all registered channels and the outbound dispatch loop.
// The dispatcher always starts, even with zero channels, since channels may
// be registered dynamically afterward.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.dispatchDone = make(chan struct{})
	channelsCopy := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		channelsCopy[k] = v
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(channelsCopy) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")
	for name, channel := range channelsCopy {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		channelsCopy[k] = v
	}
	done := m.dispatchDone
	m.mu.Unlock()

	slog.Info("stopping all channels")
	for name, channel := range channelsCopy {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	if done != nil {
		<-done
	}
	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the matching channel. Disconnected/unknown channels drop the message
// with a warning per the bus's fire-and-forget outbound contract.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.dispatchDone)
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		limiter := m.limiter
		m.mu.RUnlock()

		if limiter != nil && !limiter.Allow(msg.ChatID) {
			slog.Warn("outbound rate limit exceeded, dropping", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if !exists {
			slog.Warn("unknown channel for outbound message, dropping", "channel", msg.Channel)
			continue
		}
		if err := channel.Send(ctx, msg); err != nil {
			slog.Warn("channel send failed, dropping", "channel", msg.Channel, "error", err)
		}
	}
}

// GetChannel returns a registered channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus reports running status for every registered channel.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// RegisterChannel adds a channel under its name.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// SendToChannel delivers content directly to a named channel, bypassing the bus.
// Used by the scheduler's cron/heartbeat delivery path.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return channel.Send(ctx, bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: content})
}
