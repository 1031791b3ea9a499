package sessions

import "testing"

func TestBuildSessionKey(t *testing.T) {
	if got := BuildSessionKey("telegram", "42"); got != "telegram:42" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildCronSessionKey(t *testing.T) {
	if got := BuildCronSessionKey("abc123"); got != "cron:abc123" {
		t.Fatalf("got %q", got)
	}
	// Already-prefixed IDs are not double-prefixed.
	if got := BuildCronSessionKey("cron:abc123"); got != "cron:abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestKeyKindPredicates(t *testing.T) {
	tests := []struct {
		key       string
		cron      bool
		heartbeat bool
	}{
		{"cron:abc", true, false},
		{"heartbeat", false, true},
		{"telegram:42", false, false},
		{"shangwang:p2p-alice", false, false},
	}
	for _, tt := range tests {
		if got := IsCronSession(tt.key); got != tt.cron {
			t.Errorf("IsCronSession(%q) = %v", tt.key, got)
		}
		if got := IsHeartbeatSession(tt.key); got != tt.heartbeat {
			t.Errorf("IsHeartbeatSession(%q) = %v", tt.key, got)
		}
	}
}

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		key     string
		channel string
		chatID  string
		ok      bool
	}{
		{"telegram:42", "telegram", "42", true},
		{"shangwang:team-x", "shangwang", "team-x", true},
		// chat IDs may themselves contain colons; only the first splits.
		{"wecom:a:b", "wecom", "a:b", true},
		{"cron:abc", "", "", false},
		{"heartbeat", "", "", false},
		{"noseparator", "", "", false},
	}
	for _, tt := range tests {
		channel, chatID, ok := ParseSessionKey(tt.key)
		if channel != tt.channel || chatID != tt.chatID || ok != tt.ok {
			t.Errorf("ParseSessionKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.key, channel, chatID, ok, tt.channel, tt.chatID, tt.ok)
		}
	}
}

func TestPeerKindFromGroup(t *testing.T) {
	if PeerKindFromGroup(true) != PeerGroup || PeerKindFromGroup(false) != PeerDirect {
		t.Fatal("peer kind mapping wrong")
	}
}
