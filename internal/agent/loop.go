// Package agent drives the bounded tool-call loop against the LLM provider:
// consume an inbound turn, assemble context, call the model, execute the tool
// calls it proposes, and iterate until a terminal assistant message.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomrelay/loomrelay/internal/bootstrap"
	"github.com/loomrelay/loomrelay/internal/knowledge"
	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/sessions"
	"github.com/loomrelay/loomrelay/internal/store"
	"github.com/loomrelay/loomrelay/internal/tools"
	"github.com/loomrelay/loomrelay/internal/transcript"
)

// Loop is the agent execution loop. Think → Act → Observe until the model
// yields a message with no tool calls.
type Loop struct {
	provider      providers.Provider
	model         string
	maxTokens     int
	temperature   float64
	contextWindow int
	maxIterations int
	workspace     string
	thinkingLevel string

	sessions   store.SessionStore
	tools      *tools.Registry
	toolPolicy *tools.PolicyEngine

	knowledge   *knowledge.Store      // nil = no auto-RAG context
	autoContext bool                  // prepend top hits to question-like messages
	transcripts *transcript.Recorder  // nil = no transcript persistence

	contextFiles    []bootstrap.ContextFile
	maxMessageChars int

	turnTimeout time.Duration
	llmTimeout  time.Duration
	toolTimeout time.Duration

	activeRuns  atomic.Int32
	summarizeMu sync.Map // sessionKey → *sync.Mutex
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider      providers.Provider
	Model         string
	MaxTokens     int
	Temperature   float64
	ContextWindow int
	MaxIterations int
	Workspace     string
	ThinkingLevel string

	Sessions   store.SessionStore
	Tools      *tools.Registry
	ToolPolicy *tools.PolicyEngine

	Knowledge   *knowledge.Store
	AutoContext bool
	Transcripts *transcript.Recorder

	ContextFiles    []bootstrap.ContextFile
	MaxMessageChars int

	TurnTimeout time.Duration
	LLMTimeout  time.Duration
	ToolTimeout time.Duration
}

// NewLoop creates a Loop with defaults applied.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 32000
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 120 * time.Second
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 90 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	return &Loop{
		provider:        cfg.Provider,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		contextWindow:   cfg.ContextWindow,
		maxIterations:   cfg.MaxIterations,
		workspace:       cfg.Workspace,
		thinkingLevel:   cfg.ThinkingLevel,
		sessions:        cfg.Sessions,
		tools:           cfg.Tools,
		toolPolicy:      cfg.ToolPolicy,
		knowledge:       cfg.Knowledge,
		autoContext:     cfg.AutoContext,
		transcripts:     cfg.Transcripts,
		contextFiles:    cfg.ContextFiles,
		maxMessageChars: cfg.MaxMessageChars,
		turnTimeout:     cfg.TurnTimeout,
		llmTimeout:      cfg.LLMTimeout,
		toolTimeout:     cfg.ToolTimeout,
	}
}

// RunRequest is the input for processing one message through the agent.
type RunRequest struct {
	SessionKey        string
	Message           string
	Media             []string // local image paths, attached to this request only
	Channel           string
	ChatID            string
	PeerKind          string
	SenderID          string
	SenderNick        string
	IsGroup           bool
	IDClient          string
	RunID             string
	HistoryLimit      int // max user turns in context (0 = unlimited)
	ExtraSystemPrompt string
	Timestamp         time.Time
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// Model returns the configured model name.
func (l *Loop) Model() string { return l.model }

// IsRunning reports whether any turn is in flight.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Run processes a single message through the agent loop. It blocks until
// completion and returns the final response. LLM failures and iteration
// exhaustion produce a well-formed error reply, not a Go error; the error
// return is reserved for cancellation.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, l.turnTimeout)
	defer cancel()

	ctx, endTurn := startTurnSpan(ctx, req)
	result, err := l.runLoop(ctx, req)
	endTurn(result, err)
	return result, err
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	if l.workspace != "" {
		ctx = tools.WithToolWorkspace(ctx, l.workspace)
	}

	// Oversized user messages degrade gracefully: truncate and tell the model.
	if len(req.Message) > l.maxMessageChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:l.maxMessageChars] +
			fmt.Sprintf("\n\n[System: message truncated from %d to %d characters.]", originalLen, l.maxMessageChars)
		slog.Warn("message truncated", "session", req.SessionKey, "original_len", originalLen)
	}

	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)
	messages := l.buildMessages(ctx, history, summary, req)

	// Attach vision images to the live request only; they are never persisted
	// in session history.
	if len(req.Media) > 0 {
		if images := loadImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			slog.Info("attached images to user message", "count", len(images), "session", req.SessionKey)
		}
	}

	// Record the inbound message before the turn runs; the reply is recorded
	// on completion. The transcript is raw traffic, not the model context.
	l.recordInbound(req)

	// Buffer session writes until the turn completes so a concurrent reader
	// of this session never sees a half-finished exchange.
	pendingMsgs := []providers.Message{{Role: "user", Content: req.Message}}

	var loopDetector toolLoopState
	var totalUsage providers.Usage
	iteration := 0
	var finalContent string
	exhausted := true

	for iteration < l.maxIterations {
		iteration++

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   l.maxTokens,
				providers.OptTemperature: l.temperature,
			},
		}
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
			}
		}

		resp, err := l.callLLM(ctx, chatReq, iteration, len(messages))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
				return nil, err
			}
			// The provider already retried transient classes once; whatever
			// reaches here is terminal for this turn. The user still gets an
			// explicit reply.
			slog.Error("llm call failed", "session", req.SessionKey, "iteration", iteration, "error", err)
			finalContent = "I encountered an error: " + err.Error()
			exhausted = false
			break
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		// No tool calls → terminal assistant message.
		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			exhausted = false
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		toolMsgs, stuckReply := l.executeToolCalls(ctx, req, resp.ToolCalls, &loopDetector)
		messages = append(messages, toolMsgs...)
		pendingMsgs = append(pendingMsgs, toolMsgs...)
		if stuckReply != "" {
			finalContent = stuckReply
			exhausted = false
			break
		}
	}

	if exhausted {
		slog.Warn("max tool iterations reached", "session", req.SessionKey, "iterations", iteration)
		finalContent = fmt.Sprintf("I encountered an error: I couldn't finish within %d tool steps. Please narrow the request or try again.", l.maxIterations)
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})
	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}
	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if totalUsage.PromptTokens > 0 {
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, len(history)+len(pendingMsgs))
	}
	l.sessions.Save(req.SessionKey)

	if isSilent {
		slog.Info("silent reply, suppressing delivery", "session", req.SessionKey)
		finalContent = ""
	} else {
		l.recordReply(req, finalContent)
	}

	l.maybeSummarize(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
	}, nil
}

// callLLM applies the per-call deadline around one provider round-trip.
// Transient-class retry lives inside the provider.
func (l *Loop) callLLM(ctx context.Context, chatReq providers.ChatRequest, iteration, msgCount int) (*providers.ChatResponse, error) {
	llmCtx, cancel := context.WithTimeout(ctx, l.llmTimeout)
	defer cancel()

	llmCtx, end := startLLMSpan(llmCtx, l.model, iteration, msgCount)
	resp, err := l.provider.Chat(llmCtx, chatReq)
	end(resp, err)
	return resp, err
}

// executeToolCalls dispatches each proposed tool call exactly once before
// the next LLM call: sequentially for a single call, concurrently for a
// batch, with results re-ordered to the proposal order so the conversation
// stays deterministic. Returns the tool messages to append and, when the
// loop detector trips critically, a terminal reply.
func (l *Loop) executeToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, detector *toolLoopState) ([]providers.Message, string) {
	type indexedResult struct {
		idx    int
		tc     providers.ToolCall
		result *tools.Result
	}

	run := func(tc providers.ToolCall) *tools.Result {
		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("tool call", "tool", tc.Name, "session", req.SessionKey, "args_len", len(argsJSON))

		toolCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
		defer cancel()
		toolCtx, end := startToolSpan(toolCtx, tc.Name, tc.ID)

		result := l.tools.ExecuteWithContext(toolCtx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey)
		if toolCtx.Err() == context.DeadlineExceeded && result != nil && !result.IsError {
			result = tools.ErrorResult(fmt.Sprintf("tool %s timed out after %s", tc.Name, l.toolTimeout))
		}
		end(result)
		return result
	}

	collected := make([]indexedResult, 0, len(calls))
	if len(calls) == 1 {
		collected = append(collected, indexedResult{idx: 0, tc: calls[0], result: run(calls[0])})
	} else {
		resultCh := make(chan indexedResult, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				resultCh <- indexedResult{idx: idx, tc: tc, result: run(tc)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	var msgs []providers.Message
	for _, r := range collected {
		hash := detector.record(r.tc.Name, r.tc.Arguments)
		detector.recordResult(hash, r.result.ForLLM)

		if r.result.IsError {
			errMsg := r.result.ForLLM
			if len(errMsg) > 200 {
				errMsg = errMsg[:200] + "..."
			}
			slog.Warn("tool error", "tool", r.tc.Name, "session", req.SessionKey, "error", errMsg)
		}

		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    r.result.ForLLM,
			ToolCallID: r.tc.ID,
		})

		if level, msg := detector.detect(r.tc.Name, hash); level != "" {
			if level == "critical" {
				slog.Warn("tool loop critical", "tool", r.tc.Name, "detail", msg)
				return msgs, "I was unable to complete this task — I got stuck repeatedly calling " + r.tc.Name + " without making progress. Please try rephrasing your request."
			}
			slog.Warn("tool loop warning", "tool", r.tc.Name, "detail", msg)
			msgs = append(msgs, providers.Message{Role: "user", Content: msg})
		}
	}
	return msgs, ""
}

// recordInbound appends the user's message to the raw transcript.
func (l *Loop) recordInbound(req RunRequest) {
	if l.transcripts == nil || req.Channel == "" || req.ChatID == "" {
		return
	}
	if sessions.IsCronSession(req.SessionKey) || sessions.IsHeartbeatSession(req.SessionKey) {
		return
	}
	ts := float64(0)
	if !req.Timestamp.IsZero() {
		ts = float64(req.Timestamp.UnixMilli()) / 1000
	}
	sender := req.SenderNick
	if sender == "" {
		sender = req.SenderID
	}
	l.transcripts.Record(req.Channel, req.ChatID, sender, req.SenderID, req.Message, "", req.IsGroup, ts, req.IDClient)
}

// recordReply appends the assistant's reply to the raw transcript under the
// admin role (the assistant speaks for the workspace owner).
func (l *Loop) recordReply(req RunRequest, content string) {
	if l.transcripts == nil || req.Channel == "" || req.ChatID == "" || strings.TrimSpace(content) == "" {
		return
	}
	if sessions.IsCronSession(req.SessionKey) || sessions.IsHeartbeatSession(req.SessionKey) {
		return
	}
	l.transcripts.Record(req.Channel, req.ChatID, "assistant", "", content, transcript.RoleAdmin, req.IsGroup, 0, "")
}
