package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/sessions"
	"github.com/loomrelay/loomrelay/internal/store/file"
	"github.com/loomrelay/loomrelay/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses; past the end it
// repeats the last one. Requests are recorded for inspection.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	requests  []providers.ChatRequest
	delay     time.Duration
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// countingTool records executions and returns a canned string.
type countingTool struct {
	name   string
	reply  string
	failed bool

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (t *countingTool) Name() string                       { return t.name }
func (t *countingTool) Description() string                { return "test tool" }
func (t *countingTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (t *countingTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.failed {
		return tools.ErrorResult(t.reply)
	}
	return tools.NewResult(t.reply)
}

func (t *countingTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func newTestLoop(t *testing.T, p providers.Provider, extraTools ...tools.Tool) *Loop {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range extraTools {
		reg.Register(tool)
	}
	return NewLoop(LoopConfig{
		Provider:      p,
		Model:         "scripted-model",
		MaxIterations: 4,
		Sessions:      file.NewFileSessionStore(sessions.NewManager("")),
		Tools:         reg,
	})
}

// A terminal assistant message with no tool calls completes in one
// iteration and is returned verbatim.
func TestRunSimpleReply(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "Hi there!", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p)

	result, err := loop.Run(context.Background(), RunRequest{
		SessionKey: "telegram:42", Message: "hello", Channel: "telegram", ChatID: "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "Hi there!" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	if p.callCount() != 1 {
		t.Fatalf("llm called %d times", p.callCount())
	}
}

// Each proposed tool call executes exactly once before the next LLM call,
// and its result reaches the model as a tool message.
func TestRunToolIteration(t *testing.T) {
	tool := &countingTool{name: "knowledge_search", reply: "overtime chunk one\novertime chunk two"}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{
			ID: "call-1", Name: "knowledge_search",
			Arguments: map[string]interface{}{"query": "overtime policy", "top_k": float64(5)},
		}}},
		{Content: "The policy says overtime needs approval.", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, tool)

	result, err := loop.Run(context.Background(), RunRequest{
		SessionKey: "telegram:42", Message: "what does the policy say about overtime?",
		Channel: "telegram", ChatID: "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tool.callCount() != 1 {
		t.Fatalf("tool executed %d times, want exactly 1", tool.callCount())
	}
	if result.Content != "The policy says overtime needs approval." {
		t.Fatalf("content = %q", result.Content)
	}
	if p.callCount() != 2 {
		t.Fatalf("llm called %d times, want 2", p.callCount())
	}

	// The second request must carry the tool result after the assistant turn.
	p.mu.Lock()
	second := p.requests[1]
	p.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || !strings.Contains(last.Content, "overtime chunk one") {
		t.Fatalf("tool message not fed back: %+v", last)
	}
}

// Parallel tool calls in one assistant turn each run once, and results come
// back in proposal order.
func TestRunParallelToolCallsOrdered(t *testing.T) {
	a := &countingTool{name: "tool_a", reply: "result A"}
	b := &countingTool{name: "tool_b", reply: "result B"}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "tool_a", Arguments: map[string]interface{}{}},
			{ID: "c2", Name: "tool_b", Arguments: map[string]interface{}{}},
		}},
		{Content: "done", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, a, b)

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "k", Message: "go"}); err != nil {
		t.Fatal(err)
	}
	if a.callCount() != 1 || b.callCount() != 1 {
		t.Fatalf("tool calls: a=%d b=%d", a.callCount(), b.callCount())
	}

	p.mu.Lock()
	second := p.requests[1]
	p.mu.Unlock()
	var toolMsgs []providers.Message
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 || toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].ToolCallID != "c2" {
		t.Fatalf("tool results out of order: %+v", toolMsgs)
	}
}

// Hitting the iteration bound produces a well-formed error reply, not a Go
// error — the turn still completes.
func TestRunMaxIterationsExhausted(t *testing.T) {
	tool := &countingTool{name: "spinner", reply: "spinning"}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c", Name: "spinner", Arguments: map[string]interface{}{}}}},
	}}
	loop := newTestLoop(t, p, tool)

	result, err := loop.Run(context.Background(), RunRequest{SessionKey: "k", Message: "loop forever"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.Content, "I encountered an error") {
		t.Fatalf("content = %q, want error reply", result.Content)
	}
}

// A tool failure becomes a tool-result string the model can recover from;
// the turn does not abort.
func TestToolErrorFedBackToModel(t *testing.T) {
	tool := &countingTool{name: "flaky", reply: "boom: upstream 503", failed: true}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "flaky", Arguments: map[string]interface{}{}}}},
		{Content: "The tool failed, sorry.", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, tool)

	result, err := loop.Run(context.Background(), RunRequest{SessionKey: "k", Message: "try it"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "The tool failed, sorry." {
		t.Fatalf("content = %q", result.Content)
	}
	p.mu.Lock()
	second := p.requests[1]
	p.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "boom") {
		t.Fatalf("error result not fed back: %+v", last)
	}
}

// An unknown tool name resolves to an error result, not a crash.
func TestUnknownToolBecomesErrorResult(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "no_such_tool", Arguments: map[string]interface{}{}}}},
		{Content: "ok", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p)

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "k", Message: "x"}); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	second := p.requests[1]
	p.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "unknown tool") {
		t.Fatalf("unknown-tool result: %+v", last)
	}
}

// A terminal LLM failure yields an explicit error reply; the user message is
// never silently dropped.
func TestLLMFailureProducesErrorReply(t *testing.T) {
	p := &scriptedProvider{err: errors.New("upstream rejected the request")}
	loop := newTestLoop(t, p)

	result, err := loop.Run(context.Background(), RunRequest{SessionKey: "k", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, "I encountered an error") {
		t.Fatalf("content = %q", result.Content)
	}
}

// The exchange persists into session history: user turn, then assistant
// reply.
func TestRunPersistsExchange(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "noted", FinishReason: "stop"},
	}}
	mgr := sessions.NewManager("")
	reg := tools.NewRegistry()
	loop := NewLoop(LoopConfig{
		Provider: p, Model: "m", MaxIterations: 4,
		Sessions: file.NewFileSessionStore(mgr), Tools: reg,
	})

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:42", Message: "remember this"}); err != nil {
		t.Fatal(err)
	}
	h := mgr.GetHistory("telegram:42")
	if len(h) != 2 || h[0].Role != "user" || h[1].Role != "assistant" {
		t.Fatalf("history: %+v", h)
	}
	if h[0].Content != "remember this" || h[1].Content != "noted" {
		t.Fatalf("history contents: %q, %q", h[0].Content, h[1].Content)
	}
}
