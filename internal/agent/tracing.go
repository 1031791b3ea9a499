package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/tools"
)

var tracer = otel.Tracer("loomrelay/agent")

// startTurnSpan opens the root span for one agent turn. The returned func
// closes it with the outcome.
func startTurnSpan(ctx context.Context, req RunRequest) (context.Context, func(*RunResult, error)) {
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("channel", req.Channel),
		attribute.String("run.id", req.RunID),
	))
	return ctx, func(result *RunResult, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(
				attribute.Int("turn.iterations", result.Iterations),
				attribute.Int("turn.reply_len", len(result.Content)),
			)
			if result.Usage != nil {
				span.SetAttributes(
					attribute.Int("llm.tokens.prompt", result.Usage.PromptTokens),
					attribute.Int("llm.tokens.completion", result.Usage.CompletionTokens),
				)
			}
		}
		span.End()
	}
}

// startLLMSpan opens a child span around one provider call.
func startLLMSpan(ctx context.Context, model string, iteration, msgCount int) (context.Context, func(*providers.ChatResponse, error)) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.iteration", iteration),
		attribute.Int("llm.messages", msgCount),
	))
	return ctx, func(resp *providers.ChatResponse, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if resp != nil {
			span.SetAttributes(
				attribute.String("llm.finish_reason", resp.FinishReason),
				attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
			)
			if resp.Usage != nil {
				span.SetAttributes(
					attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
					attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
				)
			}
		}
		span.End()
	}
}

// startToolSpan opens a child span around one tool execution.
func startToolSpan(ctx context.Context, toolName, toolCallID string) (context.Context, func(*tools.Result)) {
	ctx, span := tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
	))
	return ctx, func(result *tools.Result) {
		if result != nil {
			span.SetAttributes(
				attribute.Bool("tool.is_error", result.IsError),
				attribute.Int("tool.result_len", len(result.ForLLM)),
			)
			if result.IsError {
				span.SetStatus(codes.Error, "tool error")
			}
		}
		span.End()
	}
}
