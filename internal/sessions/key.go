// Package sessions builds and parses canonical session keys.
//
// A session key is one of:
//
//	"<channel>:<chat_id>"   — ordinary transport conversation
//	"cron:<job-id>"         — synthetic turn injected by a fired CronJob
//	"heartbeat"             — synthetic turn injected by the heartbeat job
//
// This is deliberately flatter than a multi-agent scheme: the gateway drives
// exactly one agent, so there is no per-agent key segment.
package sessions

import "strings"

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// HeartbeatSessionKey is the fixed session key for the heartbeat job.
const HeartbeatSessionKey = "heartbeat"

// BuildSessionKey builds the canonical key for a channel conversation:
// "<channel>:<chat_id>".
func BuildSessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// BuildCronSessionKey builds the canonical key for a cron job's synthetic
// turn: "cron:<job-id>". Guards against double-prefixing if jobID somehow
// already carries the "cron:" prefix.
func BuildCronSessionKey(jobID string) string {
	if strings.HasPrefix(jobID, "cron:") {
		return jobID
	}
	return "cron:" + jobID
}

// IsCronSession reports whether key denotes a cron-fired session.
func IsCronSession(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// IsHeartbeatSession reports whether key is the heartbeat session.
func IsHeartbeatSession(key string) bool {
	return key == HeartbeatSessionKey
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// ParseSessionKey splits an ordinary "<channel>:<chat_id>" key. ok is false
// for cron/heartbeat keys or malformed input.
func ParseSessionKey(key string) (channel, chatID string, ok bool) {
	if IsCronSession(key) || IsHeartbeatSession(key) {
		return "", "", false
	}
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
