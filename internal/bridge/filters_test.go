package bridge

import (
	"fmt"
	"testing"
	"time"
)

func TestAdmitDropsOutgoingFlow(t *testing.T) {
	f := newFilterState(0)
	ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-alice", Text: "OK", Flow: "out"}, time.Now())
	if ok || reason != "flow_out" {
		t.Fatalf("got (%v, %q), want flow_out drop", ok, reason)
	}
}

func TestAdmitDropsOwnAccount(t *testing.T) {
	f := newFilterState(0)
	f.myAccountID = "me-account"
	ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-alice", From: "me-account", Text: "OK"}, time.Now())
	if ok || reason != "own_account" {
		t.Fatalf("got (%v, %q), want own_account drop", ok, reason)
	}
}

// Echo suppression: a text recorded via the send path must not come back as
// an inbound event, even when flow/from give no hint it was ours.
func TestAdmitSuppressesEcho(t *testing.T) {
	f := newFilterState(0)
	f.rememberSent("OK")

	ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-alice", From: "alice", Text: "OK"}, time.Now())
	if ok || reason != "echo" {
		t.Fatalf("got (%v, %q), want echo drop", ok, reason)
	}

	// A different text from the same sender passes.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-alice", From: "alice", Text: "something else"}, time.Now()); !ok {
		t.Fatalf("unrelated text dropped: %q", reason)
	}
}

func TestRecentSendsBounded(t *testing.T) {
	f := newFilterState(0)
	for i := 0; i < recentSendsDepth+20; i++ {
		f.rememberSent(fmt.Sprintf("msg %d", i))
	}
	if len(f.recentSends) != recentSendsDepth {
		t.Fatalf("recentSends len = %d, want %d", len(f.recentSends), recentSendsDepth)
	}
	// The oldest entries have rolled off; their echoes are admitted again.
	if ok, _ := f.admit(&IncomingEvent{SessionID: "s", From: "x", Text: "msg 0"}, time.Now()); !ok {
		t.Fatal("rolled-off send still suppressing")
	}
}

// Dedup window: identical (chat, text) within the window admits exactly once,
// regardless of id_client.
func TestAdmitDedupWindow(t *testing.T) {
	f := newFilterState(5 * time.Second)
	now := time.Now()

	if ok, reason := f.admit(&IncomingEvent{SessionID: "team-x", From: "a", Text: "hi", IDClient: "c1"}, now); !ok {
		t.Fatalf("first event dropped: %q", reason)
	}
	if ok, reason := f.admit(&IncomingEvent{SessionID: "team-x", From: "a", Text: "hi", IDClient: "c2"}, now.Add(3*time.Second)); ok || reason != "duplicate" {
		t.Fatalf("duplicate inside window admitted: (%v, %q)", ok, reason)
	}
	// Outside the window the pair is fresh again.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "team-x", From: "a", Text: "hi"}, now.Add(9*time.Second)); !ok {
		t.Fatalf("event past window dropped: %q", reason)
	}
	// Same text in a different chat is never a duplicate.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "team-y", From: "a", Text: "hi"}, now); !ok {
		t.Fatalf("same text in other chat dropped: %q", reason)
	}
}

func TestAdmitDropsEmptyWithoutAttachment(t *testing.T) {
	f := newFilterState(0)
	if ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-a", From: "a", Text: "   "}, time.Now()); ok || reason != "empty" {
		t.Fatalf("got (%v, %q), want empty drop", ok, reason)
	}
	// With an attachment the event passes; the caller substitutes a placeholder.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-a", From: "a", Attachment: &Attachment{URL: "http://x/f.pdf"}}, time.Now()); !ok {
		t.Fatalf("attachment-only event dropped: %q", reason)
	}
}

func TestDedupKeyDistinguishesAttachments(t *testing.T) {
	f := newFilterState(5 * time.Second)
	now := time.Now()
	ev1 := &IncomingEvent{SessionID: "p2p-a", From: "a", Text: "report", IDClient: "c1", Attachment: &Attachment{URL: "http://x/1.pdf"}}
	ev2 := &IncomingEvent{SessionID: "p2p-a", From: "a", Text: "report", IDClient: "c2", Attachment: &Attachment{URL: "http://x/2.pdf"}}
	if ok, _ := f.admit(ev1, now); !ok {
		t.Fatal("first attachment dropped")
	}
	if ok, reason := f.admit(ev2, now); !ok {
		t.Fatalf("distinct attachment treated as duplicate: %q", reason)
	}
}

// Pruning must never admit a duplicate younger than the window: only entries
// already outside it are removed.
func TestPruneKeepsYoungEntries(t *testing.T) {
	f := newFilterState(5 * time.Second)
	now := time.Now()

	// Overfill with old entries, then one young entry.
	for i := 0; i < recentForwardedMax+10; i++ {
		f.recentForwarded[fmt.Sprintf("old-%d", i)] = now.Add(-time.Minute)
	}
	if ok, _ := f.admit(&IncomingEvent{SessionID: "team-x", From: "a", Text: "young"}, now); !ok {
		t.Fatal("young event dropped")
	}
	// Admit triggers pruning (map was over budget); the young key must survive.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "team-x", From: "a", Text: "young"}, now.Add(time.Second)); ok || reason != "duplicate" {
		t.Fatalf("young duplicate admitted after prune: (%v, %q)", ok, reason)
	}
	if len(f.recentForwarded) > recentForwardedMax {
		t.Fatalf("prune left %d entries, budget %d", len(f.recentForwarded), recentForwardedMax)
	}
}

func TestDedupKeyTruncatesLongText(t *testing.T) {
	f := newFilterState(5 * time.Second)
	now := time.Now()
	long := make([]rune, 300)
	for i := range long {
		long[i] = '甲'
	}
	base := string(long)
	if ok, _ := f.admit(&IncomingEvent{SessionID: "p2p-a", From: "a", Text: base + "tail-one"}, now); !ok {
		t.Fatal("first long event dropped")
	}
	// Differing only past the key prefix: treated as duplicate by design.
	if ok, reason := f.admit(&IncomingEvent{SessionID: "p2p-a", From: "a", Text: base + "tail-two"}, now); ok || reason != "duplicate" {
		t.Fatalf("long-text prefix dedup: got (%v, %q)", ok, reason)
	}
}

func TestPlaceholderFor(t *testing.T) {
	if got := placeholderFor(&Attachment{IsImage: true}); got != "[image]" {
		t.Fatalf("image placeholder = %q", got)
	}
	if got := placeholderFor(&Attachment{}); got != "[file]" {
		t.Fatalf("file placeholder = %q", got)
	}
	if got := placeholderFor(nil); got != "[file]" {
		t.Fatalf("nil placeholder = %q", got)
	}
}

func TestParseEventsSkipsMalformedEntries(t *testing.T) {
	raw := `[{"sessionId":"p2p-a","from":"a","text":"hi","time":1}, 42, {"sessionId":"p2p-b","from":"b","text":"yo","time":2}]`
	events := parseEvents(raw)
	if len(events) != 2 {
		t.Fatalf("parsed %d events, want 2 (malformed entry skipped)", len(events))
	}
	if events[0].SessionID != "p2p-a" || events[1].SessionID != "p2p-b" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if parseEvents("") != nil || parseEvents("[]") != nil || parseEvents("not json") != nil {
		t.Fatal("degenerate inputs should return nil")
	}
}
