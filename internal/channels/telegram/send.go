package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/loomrelay/loomrelay/internal/bus"
)

// telegramMaxMessageLen is the Bot API text limit per message.
const telegramMaxMessageLen = 4096

// Send delivers an outbound message, chunking long text and attaching any
// media files.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitMessage(msg.Content, telegramMaxMessageLen) {
		params := &telego.SendMessageParams{
			ChatID: tu.ID(chatID),
			Text:   chunk,
		}
		if c.config.LinkPreview != nil && !*c.config.LinkPreview {
			params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
		}
		if mid := msg.Metadata["reply_to_message_id"]; mid != "" {
			var replyTo int
			if _, err := fmt.Sscanf(mid, "%d", &replyTo); err == nil && replyTo > 0 {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}

	for _, attachment := range msg.Media {
		if err := c.sendAttachment(ctx, chatID, attachment, msg.Metadata["audio_as_voice"] == "true"); err != nil {
			slog.Warn("telegram media send failed", "url", attachment.URL, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, chatID int64, attachment bus.MediaAttachment, asVoice bool) error {
	f, err := os.Open(attachment.URL)
	if err != nil {
		return fmt.Errorf("open media %s: %w", attachment.URL, err)
	}
	defer f.Close()
	file := tu.File(f)

	switch {
	case asVoice:
		_, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: tu.ID(chatID), Voice: file, Caption: attachment.Caption})
	case isImageContentType(attachment.ContentType):
		_, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: tu.ID(chatID), Photo: file, Caption: attachment.Caption})
	default:
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: tu.ID(chatID), Document: file, Caption: attachment.Caption})
	}
	return err
}

func isImageContentType(ct string) bool {
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// splitMessage cuts text into chunks under limit, preferring newline
// boundaries.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
