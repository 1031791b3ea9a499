package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/loomrelay/loomrelay/internal/channels"
)

// handleMessage processes one incoming Telegram update.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	// Service messages (member joined, title changed) carry no content.
	if isServiceMessage(message) {
		return
	}

	user := message.From
	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatIDStr := fmt.Sprintf("%d", message.Chat.ID)

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if isGroup {
		if !c.checkGroupPolicy(userID, senderID, message.Chat.ID) {
			return
		}
		// Mention gate: in groups, only respond when addressed.
		if c.requireMention && !c.isMentioned(message) && message.ReplyToMessage == nil {
			return
		}
	} else if !c.checkDMPolicy(ctx, message.Chat.ID, userID, senderID, user.Username) {
		return
	}

	// Media groups (albums) arrive as separate updates; buffer and process
	// the batch once the group settles.
	if message.MediaGroupID != "" {
		c.mediaGroups.add(message, func(msgs []*telego.Message) {
			c.processMessages(ctx, msgs, senderID, chatIDStr, isGroup)
		})
		return
	}

	c.processMessages(ctx, []*telego.Message{message}, senderID, chatIDStr, isGroup)
}

// processMessages turns one message (or a settled media group) into an
// inbound bus message.
func (c *Channel) processMessages(ctx context.Context, msgs []*telego.Message, senderID, chatIDStr string, isGroup bool) {
	var textParts []string
	var mediaPaths []string
	var tags []string

	for _, msg := range msgs {
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if text != "" {
			textParts = append(textParts, c.stripBotMention(text))
		}

		mediaList := c.resolveMedia(ctx, msg)
		for i := range mediaList {
			m := &mediaList[i]
			switch m.Type {
			case "voice", "audio":
				if transcript, err := c.transcribeAudio(ctx, m.FilePath); err != nil {
					slog.Warn("telegram stt failed, keeping media placeholder", "type", m.Type, "error", err)
				} else {
					m.Transcript = transcript
				}
			case "document":
				if block, err := extractDocumentContent(m.FilePath, m.FileName); err == nil {
					textParts = append(textParts, block)
					continue
				}
			case "image":
				if m.FilePath != "" {
					mediaPaths = append(mediaPaths, m.FilePath)
				}
			}
			if tag := buildMediaTags([]MediaInfo{*m}); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	content := strings.TrimSpace(strings.Join(textParts, "\n"))
	if len(tags) > 0 {
		if content != "" {
			content += "\n"
		}
		content += strings.Join(tags, "\n")
	}
	if content == "" && len(mediaPaths) == 0 {
		return
	}

	first := msgs[0]
	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", first.MessageID),
	}
	if first.From != nil && first.From.FirstName != "" {
		metadata["user_name"] = strings.TrimSpace(first.From.FirstName + " " + first.From.LastName)
	}

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
		// Group messages carry the sender so the model knows who is talking.
		if name := metadata["user_name"]; name != "" {
			content = fmt.Sprintf("[From: %s]\n%s", name, content)
		}
	}

	c.HandleMessage(senderID, chatIDStr, content, mediaPaths, metadata, peerKind)
}

// checkGroupPolicy evaluates the group policy for a sender.
func (c *Channel) checkGroupPolicy(userID, senderID string, chatID int64) bool {
	policy := c.config.GroupPolicy
	if policy == "" {
		policy = "open"
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
			slog.Debug("telegram group message rejected by allowlist", "user_id", userID, "chat_id", chatID)
			return false
		}
	}
	return true
}

// checkDMPolicy evaluates the DM policy, defaulting to pairing.
func (c *Channel) checkDMPolicy(ctx context.Context, chatID int64, userID, senderID, username string) bool {
	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing"
	}
	switch policy {
	case "disabled":
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
			slog.Debug("telegram DM rejected by allowlist", "user_id", userID, "username", username)
			return false
		}
		return true
	default: // "pairing"
		paired := false
		if c.pairingService != nil {
			paired = c.pairingService.IsPaired(userID, c.Name()) || c.pairingService.IsPaired(senderID, c.Name())
		}
		if paired || (c.HasAllowList() && (c.IsAllowed(userID) || c.IsAllowed(senderID))) {
			return true
		}
		c.sendPairingReply(ctx, chatID, userID, username)
		return false
	}
}

// isMentioned reports whether the message @-mentions the bot.
func (c *Channel) isMentioned(message *telego.Message) bool {
	username := c.bot.Username()
	if username == "" {
		return false
	}
	text := message.Text
	if text == "" {
		text = message.Caption
	}
	return strings.Contains(text, "@"+username)
}

// stripBotMention removes the bot's @-mention from the text.
func (c *Channel) stripBotMention(text string) string {
	username := c.bot.Username()
	if username == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "@"+username, ""))
}

// isServiceMessage reports whether the message is a Telegram service event
// rather than user content.
func isServiceMessage(message *telego.Message) bool {
	return len(message.NewChatMembers) > 0 ||
		message.LeftChatMember != nil ||
		message.NewChatTitle != "" ||
		message.NewChatPhoto != nil ||
		message.DeleteChatPhoto ||
		message.GroupChatCreated ||
		message.SupergroupChatCreated ||
		message.ChannelChatCreated ||
		message.PinnedMessage != nil
}
