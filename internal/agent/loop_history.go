package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/sessions"
)

// buildMessages constructs the full message list for an LLM request:
// system prompt, optional summary preamble, bounded session history, then
// the current user message (with optional auto-retrieved knowledge context).
func (l *Loop) buildMessages(ctx context.Context, history []providers.Message, summary string, req RunRequest) []providers.Message {
	var messages []providers.Message

	mode := PromptFull
	if sessions.IsCronSession(req.SessionKey) || sessions.IsHeartbeatSession(req.SessionKey) {
		mode = PromptMinimal
	}

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		Model:        l.model,
		Workspace:    l.workspace,
		Channel:      req.Channel,
		Mode:         mode,
		ToolNames:    l.tools.Names(),
		ContextFiles: l.contextFiles,
		ExtraPrompt:  req.ExtraSystemPrompt,
	})
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary),
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "I understand the context from our previous conversation. How can I help you?",
		})
	}

	trimmed := limitHistoryTurns(history, req.HistoryLimit)
	messages = append(messages, sanitizeHistory(trimmed)...)

	userContent := req.Message
	if ragContext := l.autoRetrieve(ctx, req); ragContext != "" {
		userContent = ragContext + "\n\n" + userContent
	}
	messages = append(messages, providers.Message{Role: "user", Content: userContent})

	return messages
}

// autoRetrieve prepends top knowledge hits when the message looks like a
// question. Retrieval stays a tool the model calls otherwise.
func (l *Loop) autoRetrieve(ctx context.Context, req RunRequest) string {
	if l.knowledge == nil || !l.autoContext {
		return ""
	}
	if sessions.IsCronSession(req.SessionKey) || sessions.IsHeartbeatSession(req.SessionKey) {
		return ""
	}
	msg := strings.TrimSpace(req.Message)
	if !looksLikeQuestion(msg) {
		return ""
	}
	results, err := l.knowledge.Search(ctx, msg, 3)
	if err != nil || len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Possibly relevant knowledge base excerpts]\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- (%s) %s\n", r.Source, truncateStr(r.Content, 400))
	}
	return sb.String()
}

func looksLikeQuestion(msg string) bool {
	if len([]rune(msg)) < 6 {
		return false
	}
	if strings.ContainsAny(msg, "?？") {
		return true
	}
	for _, w := range []string{"what", "how", "why", "when", "where", "which", "吗", "什么", "怎么", "为什么", "哪"} {
		if strings.Contains(strings.ToLower(msg), w) {
			return true
		}
	}
	return false
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages). A "turn" is one user message plus everything
// until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history:
// orphaned tool messages after truncation, tool results without a matching
// call, and calls missing their results.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}
			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was truncated]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}

// maybeSummarize compacts long histories in the background: summarize the
// head, keep the tail. One summarize per session at a time.
func (l *Loop) maybeSummarize(ctx context.Context, sessionKey string) {
	history := l.sessions.GetHistory(sessionKey)

	lastPT, lastMC := l.sessions.GetLastPromptTokens(sessionKey)
	tokenEstimate := EstimateTokensWithCalibration(history, lastPT, lastMC)

	const historyShare = 0.75
	const minMessages = 50
	const keepLast = 4

	threshold := int(float64(l.contextWindow) * historyShare)
	if len(history) <= minMessages && tokenEstimate <= threshold {
		return
	}

	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionKey)
		return
	}

	go func() {
		defer sessionMu.Unlock()

		history := l.sessions.GetHistory(sessionKey)
		if len(history) <= keepLast {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		summary := l.sessions.GetSummary(sessionKey)
		toSummarize := history[:len(history)-keepLast]

		var sb strings.Builder
		for _, m := range toSummarize {
			switch m.Role {
			case "user":
				fmt.Fprintf(&sb, "user: %s\n", m.Content)
			case "assistant":
				fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if summary != "" {
			prompt += "Existing context: " + summary + "\n"
		}
		prompt += "\n" + sb.String()

		resp, err := l.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    l.model,
			Options:  map[string]interface{}{providers.OptMaxTokens: 1024, providers.OptTemperature: 0.3},
		})
		if err != nil {
			slog.Warn("summarization failed", "session", sessionKey, "error", err)
			return
		}

		l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		l.sessions.TruncateHistory(sessionKey, keepLast)
		l.sessions.Save(sessionKey)
		slog.Info("session compacted", "session", sessionKey, "kept", keepLast)
	}()
}

// EstimateTokens gives a rough chars/3 token estimate for a message list.
func EstimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 3
}

// EstimateTokensWithCalibration refines the estimate with the last observed
// prompt token count when the message count hasn't drifted far.
func EstimateTokensWithCalibration(messages []providers.Message, lastPromptTokens, lastMessageCount int) int {
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || len(messages) == 0 {
		return EstimateTokens(messages)
	}
	perMessage := float64(lastPromptTokens) / float64(lastMessageCount)
	return int(perMessage * float64(len(messages)))
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
