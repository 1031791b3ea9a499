// Package shangwang implements the 商网 transport adapter: a WebSocket
// client of the shangwang-bridge side-car, which owns the CDP connection to
// the desktop IM. Protocol only — no UI automation lives here.
package shangwang

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/channels"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/gatewayerr"
	"github.com/loomrelay/loomrelay/pkg/protocol"
)

// reconnectInterval is the fixed delay between bridge reconnect attempts.
const reconnectInterval = 5 * time.Second

const (
	defaultShortReplyMaxLen = 4
	defaultGroupReplyMaxLen = 500
)

// Channel talks to the shangwang-bridge over WebSocket.
type Channel struct {
	*channels.BaseChannel
	config config.ShangwangConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a 商网 channel from config.
func New(cfg config.ShangwangConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("shangwang: %w: bridge_url is required", gatewayerr.ErrConfigMissing)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("shangwang", msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the bridge and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting shangwang channel", "bridge_url", c.config.BridgeURL)
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial shangwang bridge connection failed, will retry", "error", err)
	}
	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping shangwang channel")
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.SetRunning(false)
	return nil
}

// Send delivers a message through the bridge. The IM renders no markdown, so
// replies are flattened to plain text; group replies are truncated to the
// configured cap.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return fmt.Errorf("shangwang: %w", gatewayerr.ErrBridgeDisconnected)
	}

	plain := markdownToPlainText(msg.Content)
	if strings.HasPrefix(msg.ChatID, protocol.ChatPrefixTeam) {
		maxLen := c.config.GroupReplyMaxLength
		if maxLen <= 0 {
			maxLen = defaultGroupReplyMaxLen
		}
		if runes := []rune(plain); len(runes) > maxLen {
			plain = strings.TrimRight(string(runes[:maxLen]), " \n") + "…"
		}
	}

	frame := protocol.BridgeMessage{Type: protocol.TypeSend, ChatID: msg.ChatID, Text: plain}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("shangwang: %w", gatewayerr.ErrBridgeDisconnected)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("shangwang send: %w", err)
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial shangwang bridge %s: %w", c.config.BridgeURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	slog.Info("shangwang bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads bridge frames with flat-interval reconnection; the bridge
// is a local side-car, not a rate-limited remote service.
func (c *Channel) listenLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting shangwang bridge reconnect", "interval", reconnectInterval)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(reconnectInterval):
			}
			if err := c.connect(); err != nil {
				slog.Warn("shangwang bridge reconnect failed", "error", err)
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("shangwang read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		c.handleBridgeMessage(raw)
	}
}

func (c *Channel) handleBridgeMessage(raw []byte) {
	var frame protocol.BridgeMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("invalid shangwang bridge frame", "preview", channels.Truncate(string(raw), 100))
		return
	}

	switch frame.Type {
	case protocol.TypeMessage:
		c.handleIncoming(frame)
	case protocol.TypeStatus:
		slog.Info("shangwang bridge status", "status", frame.Status)
		if frame.Status == protocol.StatusCDPNotConnected {
			slog.Warn("shangwang bridge reports CDP not connected; check the desktop IM is running with remote debugging")
		}
	case protocol.TypeError:
		slog.Error("shangwang bridge error", "error", frame.Error)
	}
}

func (c *Channel) handleIncoming(frame protocol.BridgeMessage) {
	sender := frame.Sender
	if sender == "" {
		sender = "shangwang"
	}
	chatID := frame.ChatID
	if chatID == "" {
		chatID = "current"
	}
	content := frame.Content

	if !c.IsAllowed(frame.SenderID) && !c.IsAllowed(sender) {
		return
	}

	// Groups: only reply when a configured nickname is @-mentioned.
	if frame.IsGroup && len(c.config.MentionNames) > 0 && !c.isMentioned(content) {
		slog.Debug("shangwang group message without mention, skipping", "preview", channels.Truncate(content, 50))
		return
	}

	// DMs: skip very short messages ("ok", "1", a thumbs-up) when configured.
	if !frame.IsGroup && c.config.SkipShortReplies {
		maxLen := c.config.ShortReplyMaxLength
		if maxLen <= 0 {
			maxLen = defaultShortReplyMaxLen
		}
		if len([]rune(strings.TrimSpace(content))) <= maxLen {
			slog.Debug("shangwang short DM skipped", "preview", channels.Truncate(content, 20))
			return
		}
	}

	var media []string
	if frame.Media != nil && frame.Media.Path != "" {
		media = []string{frame.Media.Path}
	}

	metadata := map[string]string{}
	if frame.IDClient != "" {
		metadata["id_client"] = frame.IDClient
	}
	if frame.Media != nil && frame.Media.Note != "" {
		metadata["media_note"] = frame.Media.Note
	}

	peerKind := "direct"
	if frame.IsGroup {
		peerKind = "group"
	}

	senderID := frame.SenderID
	if senderID == "" {
		senderID = sender
	}

	msg := bus.InboundMessage{
		Channel:    c.Name(),
		SenderID:   senderID,
		SenderNick: sender,
		ChatID:     chatID,
		Content:    content,
		IsGroup:    frame.IsGroup,
		Media:      media,
		IDClient:   frame.IDClient,
		Timestamp:  timestampFrom(frame.Timestamp),
		PeerKind:   peerKind,
		UserID:     senderID,
		Metadata:   metadata,
	}
	c.Bus().PublishInbound(msg)
}

func (c *Channel) isMentioned(content string) bool {
	for _, name := range c.config.MentionNames {
		if name != "" && strings.Contains(content, "@"+name) {
			return true
		}
	}
	return false
}

func timestampFrom(ts float64) time.Time {
	if ts <= 0 {
		return time.Now()
	}
	// The bridge reports milliseconds for store events, seconds elsewhere.
	if ts > 1e12 {
		return time.UnixMilli(int64(ts))
	}
	return time.Unix(int64(ts), 0)
}
