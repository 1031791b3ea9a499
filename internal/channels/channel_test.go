package channels

import (
	"context"
	"testing"

	"github.com/loomrelay/loomrelay/internal/bus"
)

func TestIsAllowed(t *testing.T) {
	b := bus.NewMessageBus()
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list allows all", nil, "anyone", true},
		{"plain id match", []string{"123"}, "123", true},
		{"plain id mismatch", []string{"123"}, "456", false},
		{"compound sender, id part", []string{"123"}, "123|alice", true},
		{"compound sender, user part", []string{"alice"}, "123|alice", true},
		{"compound allow entry, id part", []string{"123|alice"}, "123", true},
		{"compound allow entry, user part", []string{"123|alice"}, "999|alice", true},
		{"at-prefixed username", []string{"@alice"}, "123|alice", true},
		{"no match anywhere", []string{"123|alice"}, "999|bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", b, tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Fatalf("IsAllowed(%q) with %v = %v, want %v", tt.senderID, tt.allowList, got, tt.want)
			}
		})
	}
}

func TestCheckPolicy(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("test", b, []string{"123"})

	tests := []struct {
		name        string
		peerKind    string
		dmPolicy    string
		groupPolicy string
		senderID    string
		want        bool
	}{
		{"dm open default", "direct", "", "", "anyone", true},
		{"dm disabled", "direct", "disabled", "", "123", false},
		{"dm allowlist pass", "direct", "allowlist", "", "123", true},
		{"dm allowlist block", "direct", "allowlist", "", "456", false},
		{"group policy applies to groups", "group", "disabled", "open", "456", true},
		{"group allowlist block", "group", "open", "allowlist", "456", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CheckPolicy(tt.peerKind, tt.dmPolicy, tt.groupPolicy, tt.senderID); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleMessagePublishesToBus(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("telegram", b, nil)

	c.HandleMessage("123|alice", "42", "hello", nil, map[string]string{"k": "v"}, "direct")

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("nothing published")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "hello" {
		t.Fatalf("published: %+v", msg)
	}
	// Compound sender IDs strip the username for UserID.
	if msg.UserID != "123" || msg.SenderID != "123|alice" {
		t.Fatalf("sender fields: user=%q sender=%q", msg.UserID, msg.SenderID)
	}
}

func TestHandleMessageBlocksDisallowed(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("telegram", b, []string{"123"})

	c.HandleMessage("999", "42", "hello", nil, nil, "direct")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("disallowed sender's message published")
	}
}

func TestManagerDropsUnknownChannel(t *testing.T) {
	b := bus.NewMessageBus()
	m := NewManager(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	// No channel named "telegram" registered: the dispatcher must drop the
	// message and keep running rather than block or crash.
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "x"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "1", Content: "internal, skipped"})

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if err := m.StopAll(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("0123456789abc", 10); got != "0123456789..." {
		t.Fatalf("got %q", got)
	}
}
