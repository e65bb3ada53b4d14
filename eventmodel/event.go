// ABOUTME: Shared event and session-status vocabulary used across the monitor, stream bus, and event emitter.
// ABOUTME: Keeps the wire-level event shape in one place so every consumer serializes it identically.
package eventmodel

import "time"

// Type discriminates the kind of event flowing through the system.
type Type string

const (
	TypeReceived        Type = "received"
	TypeProgress         Type = "progress"
	TypeRoundStart       Type = "round_start"
	TypeLLMRequest       Type = "llm_request"
	TypeLLMOutputDelta   Type = "llm_output_delta"
	TypeLLMOutput        Type = "llm_output"
	TypeLLMResponse      Type = "llm_response"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeTokenUsage       Type = "token_usage"
	TypeCompaction       Type = "compaction"
	TypeA2UI             Type = "a2ui"
	TypeFinal            Type = "final"
	TypeError            Type = "error"
	TypeCancel           Type = "cancel"
	TypeCancelled        Type = "cancelled"
	TypeFinished         Type = "finished"
	TypeLLMStreamRetry   Type = "llm_stream_retry"
	TypeRestart          Type = "restart"
)

// Event is one occurrence published for a session. EventID is monotonic per
// session and is never embedded in the SSE `data:` payload — it is only ever
// carried on the wire as the `id:` line.
type Event struct {
	EventID   int64          `json:"-"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

// Usage tracks token consumption for a single LLM call, mirroring the shape
// the loop persists into session_token_usage and emits on token_usage events.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
