package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// OutboundLimiter bounds the outbound send rate per chat_id so a single noisy
// session cannot starve a transport's own rate limits (WeCom/Telegram both
// throttle per-chat sends upstream).
type OutboundLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewOutboundLimiter creates a limiter allowing rps sustained sends per
// chat_id with the given burst. rps <= 0 disables limiting.
func NewOutboundLimiter(rps float64, burst int) *OutboundLimiter {
	return &OutboundLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a send to chatID may proceed now.
func (l *OutboundLimiter) Allow(chatID string) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[chatID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
