// ABOUTME: LLM invocation contract for the reason-act loop (spec §4.10.b): unary or streaming, with incomplete-stream retry.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/events"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/tokens"
)

// llmCallResult is the normalized {content, reasoning} pair the loop parses
// tool calls out of (spec §4.10.b "Unary: returns {content, reasoning, usage}").
type llmCallResult struct {
	content   string
	reasoning string
}

// callLLM invokes the model for one round, choosing the streaming or unary
// path per the request, and returns the accumulated result and usage.
func (o *Orchestrator) callLLM(ctx context.Context, req PreparedRequest, model config.ModelConfig, messages []llm.Message, round int, emitter *events.Emitter) (llmCallResult, eventmodel.Usage, error) {
	llmReq := llm.Request{
		Model:         req.ModelName,
		Provider:      model.Provider,
		Messages:      messages,
		Temperature:   llm.Float64Ptr(model.Temperature),
		MaxTokens:     llm.IntPtr(model.MaxOutput),
		StopSequences: model.Stop,
	}

	if req.Stream {
		return o.callLLMStreaming(ctx, llmReq, model, round, emitter, req.SessionID)
	}

	resp, err := o.llmClient.Complete(ctx, llmReq)
	if err != nil {
		return llmCallResult{}, eventmodel.Usage{}, err
	}
	if err := o.checkpoint(req.SessionID); err != nil {
		return llmCallResult{}, eventmodel.Usage{}, err
	}

	result := llmCallResult{content: resp.TextContent(), reasoning: resp.Reasoning()}
	usage := eventmodel.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, TotalTokens: resp.Usage.TotalTokens}
	emitter.Emit(eventmodel.TypeLLMOutput, map[string]any{"content": result.content, "reasoning": result.reasoning, "round": round})
	return result, usage, nil
}

// callLLMStreaming drives the streaming path with retry-on-incomplete-stream
// (spec §4.10.b): `200ms * 2^(attempt-1)` backoff with ±10% jitter, up to
// model.Retry extra attempts, emitting llm_stream_retry around each one.
func (o *Orchestrator) callLLMStreaming(ctx context.Context, llmReq llm.Request, model config.ModelConfig, round int, emitter *events.Emitter, sessionID string) (llmCallResult, eventmodel.Usage, error) {
	policy := llm.StreamRetryPolicy(model.Retry)
	maxAttempts := policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, usage, err := o.streamOnce(ctx, llmReq, round, emitter, sessionID)
		if err == nil {
			return result, usage, nil
		}
		lastErr = err

		retryable := llm.IsIncompleteStream(err) && attempt < maxAttempts
		if !retryable {
			emitter.Emit(eventmodel.TypeLLMStreamRetry, map[string]any{
				"attempt": attempt, "max_attempts": maxAttempts, "delay_s": 0.0, "will_retry": false, "final": true,
			})
			break
		}

		delay := policy.JitteredStreamDelay(attempt)
		emitter.Emit(eventmodel.TypeLLMStreamRetry, map[string]any{
			"attempt": attempt, "max_attempts": maxAttempts, "delay_s": delay.Seconds(), "will_retry": true, "final": false,
		})
		select {
		case <-ctx.Done():
			return llmCallResult{}, eventmodel.Usage{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return llmCallResult{}, eventmodel.Usage{}, lastErr
}

// streamOnce consumes a single stream attempt's chunks, emitting
// llm_output_delta per non-empty delta, and returns llm.NewIncompleteStreamError
// if the channel closed before a finish event arrived.
func (o *Orchestrator) streamOnce(ctx context.Context, llmReq llm.Request, round int, emitter *events.Emitter, sessionID string) (llmCallResult, eventmodel.Usage, error) {
	ch, err := o.llmClient.Stream(ctx, llmReq)
	if err != nil {
		return llmCallResult{}, eventmodel.Usage{}, err
	}

	var content, reasoning strings.Builder
	var usage eventmodel.Usage
	sawFinish := false

	for ev := range ch {
		if err := o.checkpoint(sessionID); err != nil {
			return llmCallResult{}, eventmodel.Usage{}, err
		}
		switch ev.Type {
		case llm.StreamTextDelta:
			if ev.Delta != "" {
				content.WriteString(ev.Delta)
				emitter.Emit(eventmodel.TypeLLMOutputDelta, map[string]any{"delta": ev.Delta, "round": round})
			}
		case llm.StreamReasonDelta:
			if ev.ReasoningDelta != "" {
				reasoning.WriteString(ev.ReasoningDelta)
				emitter.Emit(eventmodel.TypeLLMOutputDelta, map[string]any{"reasoning_delta": ev.ReasoningDelta, "round": round})
			}
		case llm.StreamFinish:
			sawFinish = true
			if ev.Usage != nil {
				usage = eventmodel.Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens, TotalTokens: ev.Usage.TotalTokens}
			}
		case llm.StreamErrorEvt:
			if ev.Error != nil {
				return llmCallResult{}, eventmodel.Usage{}, ev.Error
			}
		}
	}

	if !sawFinish {
		return llmCallResult{}, eventmodel.Usage{}, llm.NewIncompleteStreamError("stream closed before a finish event", nil)
	}

	result := llmCallResult{content: content.String(), reasoning: reasoning.String()}
	if usage.TotalTokens == 0 {
		estimated := tokens.ApproxTokens(result.content + result.reasoning)
		usage = eventmodel.Usage{OutputTokens: estimated, TotalTokens: estimated}
	}
	emitter.Emit(eventmodel.TypeLLMOutput, map[string]any{"content": result.content, "reasoning": result.reasoning, "round": round})
	return result, usage, nil
}
