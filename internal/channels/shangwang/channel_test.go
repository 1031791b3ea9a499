package shangwang

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/pkg/protocol"
)

func newTestChannel(t *testing.T, cfg config.ShangwangConfig) (*Channel, *bus.MessageBus) {
	t.Helper()
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = "ws://localhost:18791"
	}
	b := bus.NewMessageBus()
	ch, err := New(cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	return ch, b
}

func frameJSON(t *testing.T, frame protocol.BridgeMessage) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func drainOne(t *testing.T, b *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return b.ConsumeInbound(ctx)
}

func TestMessageFramePublishes(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{})

	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{
		Type:      protocol.TypeMessage,
		Sender:    "李经理",
		SenderID:  "acct-1",
		ChatID:    "p2p-acct-1",
		Content:   "请发一下上周的报表",
		Timestamp: 1717000000,
		IDClient:  "idc-9",
	}))

	msg, ok := drainOne(t, b)
	if !ok {
		t.Fatal("nothing published")
	}
	if msg.Channel != "shangwang" || msg.ChatID != "p2p-acct-1" || msg.SenderNick != "李经理" {
		t.Fatalf("published: %+v", msg)
	}
	if msg.IsGroup || msg.PeerKind != "direct" || msg.IDClient != "idc-9" {
		t.Fatalf("published: %+v", msg)
	}
}

func TestStatusAndErrorFramesPublishNothing(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{})
	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{Type: protocol.TypeStatus, Status: protocol.StatusReady}))
	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{Type: protocol.TypeError, Error: "boom"}))
	ch.handleBridgeMessage([]byte("not json at all"))

	if _, ok := drainOne(t, b); ok {
		t.Fatal("control frame published an inbound message")
	}
}

// Group messages require an @-mention of a configured nickname.
func TestGroupMentionGate(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{MentionNames: []string{"小助手"}})

	group := protocol.BridgeMessage{
		Type: protocol.TypeMessage, Sender: "bob", SenderID: "b",
		ChatID: "team-sales", IsGroup: true,
	}
	group.Content = "大家好"
	ch.handleBridgeMessage(frameJSON(t, group))
	if _, ok := drainOne(t, b); ok {
		t.Fatal("unmentioned group message published")
	}

	group.Content = "@小助手 汇总一下数据"
	ch.handleBridgeMessage(frameJSON(t, group))
	msg, ok := drainOne(t, b)
	if !ok {
		t.Fatal("mentioned group message dropped")
	}
	if !msg.IsGroup || msg.PeerKind != "group" {
		t.Fatalf("published: %+v", msg)
	}
}

func TestShortDMSkip(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{SkipShortReplies: true})

	short := protocol.BridgeMessage{
		Type: protocol.TypeMessage, Sender: "alice", SenderID: "a",
		ChatID: "p2p-a", Content: "好的",
	}
	ch.handleBridgeMessage(frameJSON(t, short))
	if _, ok := drainOne(t, b); ok {
		t.Fatal("short DM published")
	}

	short.Content = "帮我查一下这个订单的状态"
	ch.handleBridgeMessage(frameJSON(t, short))
	if _, ok := drainOne(t, b); !ok {
		t.Fatal("normal DM dropped")
	}
}

func TestAllowListFiltersSenders(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{AllowFrom: []string{"acct-1"}})

	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{
		Type: protocol.TypeMessage, Sender: "stranger", SenderID: "acct-9",
		ChatID: "p2p-acct-9", Content: "在吗",
	}))
	if _, ok := drainOne(t, b); ok {
		t.Fatal("disallowed sender published")
	}

	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{
		Type: protocol.TypeMessage, Sender: "friend", SenderID: "acct-1",
		ChatID: "p2p-acct-1", Content: "在吗",
	}))
	if _, ok := drainOne(t, b); !ok {
		t.Fatal("allowed sender dropped")
	}
}

func TestMediaNoteSurvivesToMetadata(t *testing.T) {
	ch, b := newTestChannel(t, config.ShangwangConfig{})
	ch.handleBridgeMessage(frameJSON(t, protocol.BridgeMessage{
		Type: protocol.TypeMessage, Sender: "alice", SenderID: "a",
		ChatID: "p2p-a", Content: "[file]",
		Media: &protocol.MediaRef{URL: "http://x/f.pdf", Note: "download failed"},
	}))
	msg, ok := drainOne(t, b)
	if !ok {
		t.Fatal("message dropped")
	}
	if msg.Metadata["media_note"] != "download failed" {
		t.Fatalf("metadata: %v", msg.Metadata)
	}
	if len(msg.Media) != 0 {
		t.Fatalf("failed download produced media paths: %v", msg.Media)
	}
}

func TestTimestampFrom(t *testing.T) {
	// Milliseconds.
	if got := timestampFrom(1717000000000); got.Unix() != 1717000000 {
		t.Fatalf("ms timestamp: %v", got)
	}
	// Seconds.
	if got := timestampFrom(1717000000); got.Unix() != 1717000000 {
		t.Fatalf("s timestamp: %v", got)
	}
	// Zero falls back to now.
	if got := timestampFrom(0); time.Since(got) > time.Minute {
		t.Fatalf("zero timestamp: %v", got)
	}
}

func TestMarkdownToPlainText(t *testing.T) {
	in := "# Title\n\nSome **bold** and *italic* with `code`.\n\n- item one\n- item two\n\n[link](http://example.com)"
	out := markdownToPlainText(in)
	for _, banned := range []string{"**", "# ", "`", "]("} {
		if strings.Contains(out, banned) {
			t.Fatalf("markdown residue %q in %q", banned, out)
		}
	}
	for _, want := range []string{"Title", "bold", "italic", "code", "item one", "link"} {
		if !strings.Contains(out, want) {
			t.Fatalf("content %q lost in %q", want, out)
		}
	}
}
