package bridge

import (
	"strings"
	"time"
)

const (
	// recentSendsDepth is how many of our own outgoing texts are remembered
	// for echo suppression.
	recentSendsDepth = 50

	// DefaultDedupWindow is how long an identical (chat, text) pair counts
	// as a duplicate.
	DefaultDedupWindow = 5 * time.Second

	// recentForwardedMax bounds the dedup map; past it, stale entries are
	// pruned.
	recentForwardedMax = 200

	// dedupKeyTextLen is how much of the text participates in the dedup key.
	dedupKeyTextLen = 100
)

// filterState holds the echo/dedup bookkeeping for the inbound filter chain.
// Owned by the bridge's poll task; not safe for concurrent use.
type filterState struct {
	myAccountID string
	dedupWindow time.Duration

	recentSends     []string // bounded fifo of our own outgoing texts
	recentForwarded map[string]time.Time
}

func newFilterState(dedupWindow time.Duration) *filterState {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &filterState{
		dedupWindow:     dedupWindow,
		recentForwarded: make(map[string]time.Time),
	}
}

// rememberSent records a text we are about to emit via the send path, so a
// later echo of it from the hook queue is suppressed. Called before the send
// is issued to the page — a slow poll must not race the echo in.
func (f *filterState) rememberSent(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	f.recentSends = append(f.recentSends, text)
	if len(f.recentSends) > recentSendsDepth {
		f.recentSends = f.recentSends[len(f.recentSends)-recentSendsDepth:]
	}
}

// admit runs the inbound filter chain on one intercepted event. It returns
// (true, "") for events to forward; otherwise the reason names the filter
// that dropped it. Admitted events with empty text but an attachment have a
// placeholder substituted by the caller.
func (f *filterState) admit(ev *IncomingEvent, now time.Time) (bool, string) {
	// Our own sends surface from the store with flow=out.
	if ev.Flow == "out" {
		return false, "flow_out"
	}
	if f.myAccountID != "" && ev.From == f.myAccountID {
		return false, "own_account"
	}

	text := strings.TrimSpace(ev.Text)
	if text != "" {
		for _, sent := range f.recentSends {
			if text == sent {
				return false, "echo"
			}
		}
	}

	if text == "" && ev.Attachment == nil {
		return false, "empty"
	}

	key := f.dedupKey(ev, text)
	if last, ok := f.recentForwarded[key]; ok && now.Sub(last) < f.dedupWindow {
		return false, "duplicate"
	}
	f.recentForwarded[key] = now
	f.pruneForwarded(now)

	return true, ""
}

// dedupKey is chat + text prefix; attachments mix in the client id and url
// prefix so two files with identical captions stay distinct.
func (f *filterState) dedupKey(ev *IncomingEvent, text string) string {
	runes := []rune(text)
	if len(runes) > dedupKeyTextLen {
		runes = runes[:dedupKeyTextLen]
	}
	key := ev.SessionID + ":" + string(runes)
	if ev.Attachment != nil {
		url := ev.Attachment.URL
		if len(url) > 40 {
			url = url[:40]
		}
		key += ":" + ev.IDClient + ":" + url
	}
	return key
}

// pruneForwarded drops entries older than the window once the map is over
// budget. Pruning never admits a duplicate younger than the window: only
// entries already outside it are removed.
func (f *filterState) pruneForwarded(now time.Time) {
	if len(f.recentForwarded) <= recentForwardedMax {
		return
	}
	for key, t := range f.recentForwarded {
		if now.Sub(t) >= f.dedupWindow {
			delete(f.recentForwarded, key)
		}
	}
}

// placeholderFor substitutes the text for an attachment-only event.
func placeholderFor(att *Attachment) string {
	if att != nil && att.IsImage {
		return "[image]"
	}
	return "[file]"
}
