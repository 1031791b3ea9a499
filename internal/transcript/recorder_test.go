package transcript

import (
	"strings"
	"testing"
)

func TestSanitizeChatID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"p2p-alice", "p2p-alice"},
		{`team-x/y:z`, "team-x_y_z"},
		{`a<b>c"d|e?f*g`, "a_b_c_d_e_f_g"},
	}
	for _, tt := range tests {
		if got := SanitizeChatID(tt.in); got != tt.want {
			t.Errorf("SanitizeChatID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	long := strings.Repeat("x", 200)
	if got := SanitizeChatID(long); len(got) != 120 {
		t.Errorf("long id truncated to %d, want 120", len(got))
	}
}

// Record followed by ReadChat yields a sequence ending in the recorded
// message.
func TestRecordReadRoundTrip(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)
	r.Record("telegram", "42", "alice", "id-1", "first", "", false, 1000, "")
	r.Record("telegram", "42", "alice", "id-1", "second", "", false, 1001, "c2")

	recs := r.ReadChat("telegram", "42")
	if len(recs) != 2 {
		t.Fatalf("read %d records", len(recs))
	}
	last := recs[len(recs)-1]
	if last.Content != "second" || last.Sender != "alice" || last.IDClient != "c2" {
		t.Fatalf("last record: %+v", last)
	}
	if last.TS != 1001 {
		t.Fatalf("ts = %v", last.TS)
	}
}

func TestRoleClassification(t *testing.T) {
	r := NewRecorder(t.TempDir(), []string{"老板"}, []string{"admin-1"})
	tests := []struct {
		sender   string
		senderID string
		want     string
	}{
		{"老板", "", RoleAdmin},
		{"someone", "admin-1", RoleAdmin},
		{"customer-nick", "cust-9", RoleCustomer},
	}
	for _, tt := range tests {
		if got := r.Role(tt.sender, tt.senderID); got != tt.want {
			t.Errorf("Role(%q, %q) = %q, want %q", tt.sender, tt.senderID, got, tt.want)
		}
	}

	// With no admin config every message is unknown.
	r2 := NewRecorder(t.TempDir(), nil, nil)
	if got := r2.Role("anyone", "any-id"); got != RoleUnknown {
		t.Fatalf("unconfigured role = %q", got)
	}
}

func TestListChats(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)
	r.Record("shangwang", "p2p-alice", "alice", "a", "hi", "", false, 1, "")
	r.Record("shangwang", "p2p-alice", "alice", "a", "again", "", false, 2, "")
	r.Record("shangwang", "team-x", "bob", "b", "yo", "", true, 3, "")

	chats := r.ListChats("shangwang")
	if len(chats) != 2 {
		t.Fatalf("listed %d chats", len(chats))
	}
	byID := map[string]ChatSummary{}
	for _, c := range chats {
		byID[c.ChatID] = c
	}
	if byID["p2p-alice"].MsgCount != 2 || byID["p2p-alice"].IsGroup {
		t.Fatalf("p2p-alice summary: %+v", byID["p2p-alice"])
	}
	if byID["team-x"].MsgCount != 1 || !byID["team-x"].IsGroup {
		t.Fatalf("team-x summary: %+v", byID["team-x"])
	}

	if got := r.ListChats("telegram"); len(got) != 0 {
		t.Fatalf("unknown channel listed %d chats", len(got))
	}
}

// SaveFetched dedupes against existing rows by id_client, and by
// (ts, sender, content) when the id is absent.
func TestSaveFetchedDedup(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)
	r.Record("shangwang", "p2p-alice", "alice", "alice", "already here", "", false, 100, "id-1")

	msgs := []FetchedMessage{
		{From: "alice", FromNick: "alice", Text: "already here", Time: 100, IDClient: "id-1"},
		{From: "alice", FromNick: "alice", Text: "new message", Time: 101, IDClient: "id-2"},
		{From: "alice", FromNick: "alice", Text: "no id client", Time: 102},
		{From: "alice", FromNick: "alice", Text: "   "}, // blank, skipped
	}
	if added := r.SaveFetched("shangwang", "p2p-alice", msgs, false); added != 2 {
		t.Fatalf("first merge added %d, want 2", added)
	}
	// Re-merging the same batch adds nothing.
	if added := r.SaveFetched("shangwang", "p2p-alice", msgs, false); added != 0 {
		t.Fatalf("second merge added %d, want 0", added)
	}
	if got := len(r.ReadChat("shangwang", "p2p-alice")); got != 3 {
		t.Fatalf("chat has %d records, want 3", got)
	}
}

func TestReRole(t *testing.T) {
	ws := t.TempDir()
	r := NewRecorder(ws, nil, nil)
	r.Record("telegram", "42", "boss", "admin-1", "reply text", "", false, 1, "")
	if r.ReadChat("telegram", "42")[0].Role != RoleUnknown {
		t.Fatal("precondition: role should be unknown")
	}

	// Same workspace, now with admin config: re-role rewrites the labels.
	r2 := NewRecorder(ws, nil, []string{"admin-1"})
	if n := r2.ReRole("telegram", ""); n != 1 {
		t.Fatalf("re-roled %d records", n)
	}
	if got := r2.ReadChat("telegram", "42")[0].Role; got != RoleAdmin {
		t.Fatalf("role after re-role = %q", got)
	}
}
