package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const pairingReplyDebounce = 60 * time.Second

var pairingReplySent sync.Map // userID → time.Time

// sendPairingReply tells an unpaired DM sender how to get approved, at most
// once per debounce window.
func (c *Channel) sendPairingReply(ctx context.Context, chatID int64, userID, username string) {
	if c.pairingService == nil {
		return
	}
	if lastSent, ok := pairingReplySent.Load(userID); ok {
		if time.Since(lastSent.(time.Time)) < pairingReplyDebounce {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(userID, c.Name(), fmt.Sprintf("%d", chatID))
	if err != nil {
		slog.Debug("telegram pairing request failed", "user_id", userID, "error", err)
		return
	}

	text := fmt.Sprintf(
		"Access not configured.\n\nYour Telegram ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  loomrelay channels approve %s",
		userID, code, code,
	)
	if _, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{ChatID: tu.ID(chatID), Text: text}); err != nil {
		slog.Warn("failed to send telegram pairing reply", "error", err)
		return
	}
	pairingReplySent.Store(userID, time.Now())
	slog.Info("telegram pairing reply sent", "user_id", userID, "username", username, "code", code)
}
