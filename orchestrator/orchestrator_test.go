package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/brassloop/conductor/admission"
	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/dispatch"
	"github.com/brassloop/conductor/events"
	"github.com/brassloop/conductor/history"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/monitor"
	"github.com/brassloop/conductor/prompt"
	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/workspace"
)

// fakeAdapter is a scriptable llm.ProviderAdapter: each Complete() call pops
// the next queued response (or errors if the queue is empty), and Stream()
// replays the next queued event batch.
type fakeAdapter struct {
	completeQueue []*llm.Response
	completeErr   []error
	streamQueue   [][]llm.StreamEvent
	streamErr     []error
	completeCalls int
	streamCalls   int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := f.completeCalls
	f.completeCalls++
	if i < len(f.completeErr) && f.completeErr[i] != nil {
		return nil, f.completeErr[i]
	}
	if i >= len(f.completeQueue) {
		return f.completeQueue[len(f.completeQueue)-1], nil
	}
	return f.completeQueue[i], nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	i := f.streamCalls
	f.streamCalls++
	if i < len(f.streamErr) && f.streamErr[i] != nil {
		return nil, f.streamErr[i]
	}
	ch := make(chan llm.StreamEvent, 8)
	batch := f.streamQueue[i]
	go func() {
		defer close(ch)
		for _, ev := range batch {
			ch <- ev
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) Close() error { return nil }

func newTestClient(t *testing.T, adapter *fakeAdapter) *llm.Client {
	t.Helper()
	return llm.NewClient(llm.WithProvider("fake", adapter), llm.WithDefaultProvider("fake"))
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Message: llm.AssistantMessage(text),
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolCallText(name string, args map[string]any) string {
	b, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	return "<tool_call>" + string(b) + "</tool_call>"
}

type testRig struct {
	orch  *Orchestrator
	st    *store.Store
	mon   *monitor.Monitor
	model config.ModelConfig
}

func newTestRig(t *testing.T, adapter *fakeAdapter, model config.ModelConfig) *testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ws := workspace.New(t.TempDir(), st)
	t.Cleanup(func() { _ = ws.Close() })

	client := newTestClient(t, adapter)
	hist := history.New(ws, client)
	composer := prompt.New(ws)

	builtin := map[string]dispatch.Executor{
		"read": func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"content": "file contents"}, nil
		},
	}
	dispatcher := dispatch.New(builtin)

	mon, err := monitor.New(nil)
	if err != nil {
		t.Fatalf("monitor.New() error = %v", err)
	}

	adm := admission.New(st, 50, admission.WithPollInterval(10*time.Millisecond))

	cfg := config.Default()
	cfg.Models["default"] = model
	configs := config.NewManager(cfg)

	orch := New(client, ws, hist, composer, dispatcher, mon, adm, configs)
	return &testRig{orch: orch, st: st, mon: mon, model: model}
}

func baseModel() config.ModelConfig {
	return config.ModelConfig{
		Provider:               "fake",
		MaxContext:             200000,
		MaxOutput:              1024,
		MaxRounds:              10,
		Temperature:            0.7,
		TimeoutSeconds:         30,
		Retry:                  2,
		HistoryCompactionRatio: 0.8,
		HistoryCompactionReset: "current",
	}
}

func (r *testRig) run(t *testing.T, req PreparedRequest) (Response, error) {
	t.Helper()
	emitter := events.New(req.SessionID, r.mon, nil)
	return r.orch.Run(context.Background(), req, emitter)
}

func TestRunNoToolCallsReturnsImmediateAnswer(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{textResponse("the answer is 42")}}
	rig := newTestRig(t, adapter, baseModel())

	resp, err := rig.run(t, PreparedRequest{UserID: "u1", SessionID: "s1", Question: "what is the answer?"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Answer != "the answer is 42" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "the answer is 42")
	}
}

func TestRunSentinelFinalResponse(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{
		textResponse(toolCallText(sentinelFinalResponse, map[string]any{"answer": "done here"})),
	}}
	rig := newTestRig(t, adapter, baseModel())

	resp, err := rig.run(t, PreparedRequest{UserID: "u1", SessionID: "s1", Question: "finish it"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Answer != "done here" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "done here")
	}
}

func TestRunDispatchesAllowedTool(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{
		textResponse(toolCallText("read", map[string]any{"path": "a.go"})),
		textResponse(toolCallText(sentinelFinalResponse, map[string]any{"answer": "read it"})),
	}}
	rig := newTestRig(t, adapter, baseModel())

	resp, err := rig.run(t, PreparedRequest{
		UserID: "u1", SessionID: "s1", Question: "read the file", ToolNames: []string{"read"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Answer != "read it" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "read it")
	}
	if adapter.completeCalls != 2 {
		t.Errorf("expected two LLM rounds, got %d", adapter.completeCalls)
	}
}

func TestRunDeniesDisallowedTool(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{
		textResponse(toolCallText("read", map[string]any{"path": "a.go"})),
		textResponse(toolCallText(sentinelFinalResponse, map[string]any{"answer": "denied path taken"})),
	}}
	rig := newTestRig(t, adapter, baseModel())

	resp, err := rig.run(t, PreparedRequest{
		UserID: "u1", SessionID: "s1", Question: "read the file", ToolNames: []string{"write"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Answer != "denied path taken" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "denied path taken")
	}

	rows, err := rig.st.LoadHistory("u1", "s1", 100)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	var sawDenial bool
	for _, row := range rows {
		if row.Role == "tool" && containsSub(row.Content, "tool disabled or unavailable") {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Error("expected a persisted tool row carrying the denial observation")
	}
}

func TestRunMaxRoundsFallback(t *testing.T) {
	resp := textResponse(toolCallText("read", map[string]any{"path": "a.go"}))
	adapter := &fakeAdapter{completeQueue: []*llm.Response{resp}}
	model := baseModel()
	model.MaxRounds = 3
	rig := newTestRig(t, adapter, model)

	got, err := rig.run(t, PreparedRequest{
		UserID: "u1", SessionID: "s1", Question: "loop forever", ToolNames: []string{"read"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Answer != defaultNoAnswerMessage {
		t.Errorf("Answer = %q, want fallback %q", got.Answer, defaultNoAnswerMessage)
	}
	if adapter.completeCalls != 3 {
		t.Errorf("expected exactly maxRounds=3 LLM calls, got %d", adapter.completeCalls)
	}
}

func TestRunCancellationStopsLoop(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{
		textResponse(toolCallText("read", map[string]any{"path": "a.go"})),
	}}
	rig := newTestRig(t, adapter, baseModel())

	if !rig.mon.TryRegister("s1", "u1", "cancel me") {
		t.Fatal("TryRegister() = false, want true")
	}
	rig.mon.Cancel("s1")

	_, err := rig.orch.runLoop(context.Background(), PreparedRequest{
		UserID: "u1", SessionID: "s1", Question: "cancel me",
	}, events.New("s1", rig.mon, nil))

	oe, ok := err.(*Error)
	if !ok || oe.Code != CodeCancelled {
		t.Fatalf("runLoop() error = %v, want CANCELLED", err)
	}
}

func TestRunUserBusyRejectsSecondSession(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{textResponse("first answer")}}
	rig := newTestRig(t, adapter, baseModel())

	if !rig.mon.TryRegister("s1", "u1", "first") {
		t.Fatal("TryRegister() = false, want true")
	}

	_, err := rig.run(t, PreparedRequest{UserID: "u1", SessionID: "s2", Question: "second"})
	oe, ok := err.(*Error)
	if !ok || oe.Code != CodeUserBusy {
		t.Fatalf("Run() error = %v, want USER_BUSY", err)
	}
}

func TestMaybeCompactSkipsWhenUnderBudget(t *testing.T) {
	rig := newTestRig(t, &fakeAdapter{}, baseModel())
	messages := []llm.Message{llm.SystemMessage("sys"), llm.UserMessage("hello")}

	_, _, outcome := rig.orch.maybeCompact(context.Background(), "u1", "s1", "default", messages, 0, rig.model)
	if outcome.Status != "skipped" {
		t.Errorf("Status = %q, want skipped", outcome.Status)
	}
}

func TestMaybeCompactTriggersOnAbsoluteOverflow(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{textResponse("a summary of prior turns")}}
	model := baseModel()
	model.MaxContext = 200 // tiny budget forces absolute_overflow
	rig := newTestRig(t, adapter, model)

	messages := []llm.Message{llm.SystemMessage("sys")}
	for i := 0; i < 20; i++ {
		messages = append(messages, llm.UserMessage("this is a reasonably long prior user turn to pad out tokens"))
		messages = append(messages, llm.AssistantMessage("and a matching assistant reply padding tokens too"))
	}
	messages = append(messages, llm.UserMessage("final question"))

	rebuilt, _, outcome := rig.orch.maybeCompact(context.Background(), "u1", "s1", "default", messages, 0, model)
	if outcome.Reason != "absolute_overflow" {
		t.Errorf("Reason = %q, want absolute_overflow", outcome.Reason)
	}
	if outcome.Status != "done" {
		t.Errorf("Status = %q, want done", outcome.Status)
	}
	if len(rebuilt) >= len(messages) {
		t.Errorf("expected rebuilt message list shorter than original, got %d >= %d", len(rebuilt), len(messages))
	}
	var sawSummary bool
	for _, m := range rebuilt {
		if m.Role == llm.RoleSystem && containsSub(m.TextContent(), history.CompactionSummaryPrefix) {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Error("expected a compaction-summary system message in the rebuilt list")
	}
}

func TestMaybeCompactTriggersOnHistoryRatio(t *testing.T) {
	adapter := &fakeAdapter{completeQueue: []*llm.Response{textResponse("ratio summary")}}
	model := baseModel()
	model.MaxContext = 1000
	model.HistoryCompactionRatio = 0.5
	rig := newTestRig(t, adapter, model)

	messages := []llm.Message{llm.SystemMessage("sys"), llm.UserMessage("q"), llm.AssistantMessage("a"), llm.UserMessage("q2")}

	_, _, outcome := rig.orch.maybeCompact(context.Background(), "u1", "s1", "default", messages, 900, model)
	if outcome.Reason != "history_ratio" {
		t.Errorf("Reason = %q, want history_ratio", outcome.Reason)
	}
}

func TestMaybeCompactResetModes(t *testing.T) {
	cases := []struct {
		reset string
		check func(t *testing.T, before, after int64)
	}{
		{"zero", func(t *testing.T, before, after int64) {
			if after != 0 {
				t.Errorf("zero reset: historyUsage = %d, want 0", after)
			}
		}},
		{"keep", func(t *testing.T, before, after int64) {
			if after != before {
				t.Errorf("keep reset: historyUsage = %d, want unchanged %d", after, before)
			}
		}},
		{"current", func(t *testing.T, before, after int64) {
			if after == before {
				t.Errorf("current reset: historyUsage = %d, want recomputed (differ from %d)", after, before)
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.reset, func(t *testing.T) {
			adapter := &fakeAdapter{completeQueue: []*llm.Response{textResponse("summary")}}
			model := baseModel()
			model.MaxContext = 200
			model.HistoryCompactionReset = tc.reset
			rig := newTestRig(t, adapter, model)

			messages := []llm.Message{llm.SystemMessage("sys")}
			for i := 0; i < 20; i++ {
				messages = append(messages, llm.UserMessage("padding user turn with enough tokens to overflow"))
				messages = append(messages, llm.AssistantMessage("padding assistant turn with enough tokens to overflow"))
			}
			messages = append(messages, llm.UserMessage("final"))

			before := int64(900)
			_, after, outcome := rig.orch.maybeCompact(context.Background(), "u1", "s1", "default", messages, before, model)
			if outcome.Status != "done" {
				t.Fatalf("Status = %q, want done", outcome.Status)
			}
			tc.check(t, before, after)
		})
	}
}

func TestMaybeCompactFallsBackOnSummaryFailure(t *testing.T) {
	adapter := &fakeAdapter{completeErr: []error{context.DeadlineExceeded}}
	model := baseModel()
	model.MaxContext = 200
	rig := newTestRig(t, adapter, model)

	messages := []llm.Message{llm.SystemMessage("sys")}
	for i := 0; i < 20; i++ {
		messages = append(messages, llm.UserMessage("padding user turn with enough tokens to overflow"))
		messages = append(messages, llm.AssistantMessage("padding assistant turn with enough tokens to overflow"))
	}
	messages = append(messages, llm.UserMessage("final"))

	_, _, outcome := rig.orch.maybeCompact(context.Background(), "u1", "s1", "default", messages, 0, model)
	if outcome.Status != "fallback" {
		t.Errorf("Status = %q, want fallback", outcome.Status)
	}
}

func TestCallLLMStreamingRetriesOnIncompleteStream(t *testing.T) {
	adapter := &fakeAdapter{
		streamQueue: [][]llm.StreamEvent{
			{{Type: llm.StreamTextDelta, Delta: "partial"}}, // no finish event: incomplete
			{{Type: llm.StreamTextDelta, Delta: "complete answer"}, {Type: llm.StreamFinish, Usage: &llm.Usage{TotalTokens: 10}}},
		},
	}
	model := baseModel()
	model.Retry = 2
	rig := newTestRig(t, adapter, model)

	llmReq := llm.Request{Model: "default", Provider: "fake", Messages: []llm.Message{llm.UserMessage("hi")}}
	result, usage, err := rig.orch.callLLMStreaming(context.Background(), llmReq, model, 1, events.New("s1", rig.mon, nil), "s1")
	if err != nil {
		t.Fatalf("callLLMStreaming() error = %v", err)
	}
	if result.content != "complete answer" {
		t.Errorf("content = %q, want %q", result.content, "complete answer")
	}
	if usage.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", usage.TotalTokens)
	}
	if adapter.streamCalls != 2 {
		t.Errorf("expected a retry (2 stream calls), got %d", adapter.streamCalls)
	}
}

func TestCallLLMStreamingGivesUpAfterMaxRetries(t *testing.T) {
	adapter := &fakeAdapter{
		streamQueue: [][]llm.StreamEvent{
			{{Type: llm.StreamTextDelta, Delta: "never finishes"}},
			{{Type: llm.StreamTextDelta, Delta: "still never finishes"}},
		},
	}
	model := baseModel()
	model.Retry = 1
	rig := newTestRig(t, adapter, model)

	llmReq := llm.Request{Model: "default", Provider: "fake", Messages: []llm.Message{llm.UserMessage("hi")}}
	_, _, err := rig.orch.callLLMStreaming(context.Background(), llmReq, model, 1, events.New("s1", rig.mon, nil), "s1")
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if !llm.IsIncompleteStream(err) {
		t.Errorf("expected an IncompleteStreamError, got %v", err)
	}
	if adapter.streamCalls != 2 {
		t.Errorf("expected maxAttempts=2 stream calls, got %d", adapter.streamCalls)
	}
}

func containsSub(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return len(needle) == 0
}
