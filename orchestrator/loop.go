// ABOUTME: Reason-Act Loop (C10): the bounded per-request loop tying prompt composition, history, tool dispatch, and compaction together.
// ABOUTME: Grounded on original_source/app/orchestrator/engine.py's WunderOrchestrator.run/_execute_request shape, expressed as a single Go method over the teacher's component styles.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/brassloop/conductor/admission"
	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/dispatch"
	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/events"
	"github.com/brassloop/conductor/history"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/monitor"
	"github.com/brassloop/conductor/prompt"
	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/toolcall"
	"github.com/brassloop/conductor/workspace"
)

const (
	defaultPollInterval = 200 * time.Millisecond

	sentinelFinalResponse = "final_response"
	sentinelA2UI          = "a2ui"

	defaultNoAnswerMessage = "No final answer was reached within the allotted rounds."
)

// artifactToolKinds are the tool names whose successful result also gets an
// artifact-log entry (spec §4.10 loop skeleton).
var artifactToolKinds = map[string]bool{
	"read": true, "write": true, "replace": true, "edit": true, "execute": true, "ptc": true,
}

// LLMClient is the subset of *llm.Client the loop needs, declared locally so
// tests can substitute a fake implementation (spec §6.4 "LLMClient").
type LLMClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// MemoryEnqueuer schedules a post-loop memory-summarization task (spec
// §4.11). Its parameters are primitives and llm types only, never an
// orchestrator-defined struct, so the memory package can implement this
// interface without importing orchestrator.
type MemoryEnqueuer interface {
	Enqueue(userID, sessionID, modelName string, configOverrides map[string]any, messages []llm.Message, finalAnswer string)
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithMemoryEnqueuer attaches the memory-summarization worker (spec §4.11).
// Without one, the loop simply skips enqueuing on completion.
func WithMemoryEnqueuer(m MemoryEnqueuer) Option { return func(o *Orchestrator) { o.memory = m } }

// WithPollInterval sets the poll interval stored on the Orchestrator
// (default 200ms). The loop's cancellation checkpoints read the monitor's
// cancel flag directly and do not use this value; a running tool call is
// not polled for cancellation.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// Orchestrator runs the reason-act loop (C10), wiring every collaborator the
// spec names: admission (C5), the session monitor (C4), prompt composition
// (C7), history (C8), tool dispatch (C9), and compaction (§4.10.a).
type Orchestrator struct {
	llmClient  LLMClient
	workspace  *workspace.Manager
	history    *history.Manager
	prompt     *prompt.Composer
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	admission  *admission.Controller
	configs    *config.Manager
	memory     MemoryEnqueuer

	pollInterval time.Duration
}

// New constructs an Orchestrator from its collaborators.
func New(
	llmClient LLMClient,
	ws *workspace.Manager,
	hist *history.Manager,
	composer *prompt.Composer,
	dispatcher *dispatch.Dispatcher,
	mon *monitor.Monitor,
	adm *admission.Controller,
	configs *config.Manager,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		llmClient:    llmClient,
		workspace:    ws,
		history:      hist,
		prompt:       composer,
		dispatcher:   dispatcher,
		monitor:      mon,
		admission:    adm,
		configs:      configs,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState carries the per-request tool-resolution context the round loop
// consults every call: the allowed-tool set and the user's alias bindings.
type runState struct {
	allowed map[string]bool
	aliases map[string]dispatch.AliasBinding
}

// Run executes one reason-act loop for req, returning the unary response.
// Streaming callers drive the same loop; the emitter attached by the caller
// fans events out to both the monitor and (for streaming requests) a
// streambus.Stream the caller owns.
func (o *Orchestrator) Run(ctx context.Context, req PreparedRequest, emitter *events.Emitter) (Response, error) {
	if req.UserID == "" || req.Question == "" {
		return Response{}, newError(CodeInvalidRequest, "user_id and question are required", nil)
	}

	lease, ok, err := o.admission.Acquire(ctx, req.SessionID, req.UserID)
	if err != nil {
		return Response{}, newError(CodeInternal, "admission: acquire", err)
	}
	if !ok {
		return Response{}, newError(CodeUserBusy, "another session for this user is already active", nil)
	}
	defer lease.Release(o.admission)

	if !o.monitor.TryRegister(req.SessionID, req.UserID, req.Question) {
		return Response{}, newError(CodeUserBusy, "session already registered", nil)
	}

	emitter.Emit(eventmodel.TypeReceived, map[string]any{"question": req.Question})

	resp, err := o.runLoop(ctx, req, emitter)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) && oe.Code == CodeCancelled {
			o.monitor.MarkCancelled(req.SessionID)
			emitter.Emit(eventmodel.TypeCancelled, map[string]any{})
		} else {
			o.monitor.MarkError(req.SessionID, err.Error())
			emitter.Emit(eventmodel.TypeError, map[string]any{"code": codeOf(err), "message": err.Error()})
		}
		emitter.Finish()
		return Response{}, err
	}

	o.monitor.MarkFinished(req.SessionID)
	emitter.Emit(eventmodel.TypeFinished, map[string]any{})
	emitter.Finish()
	return resp, nil
}

func codeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeInternal
}

// checkpoint raises CANCELLED the moment the session's cancel flag is set,
// the cancellation checkpoint consulted at every suspension point named by
// spec §4.10 ("Cancellation discipline").
func (o *Orchestrator) checkpoint(sessionID string) error {
	if o.monitor.IsCancelled(sessionID) {
		return newError(CodeCancelled, "session cancelled", nil)
	}
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context, req PreparedRequest, emitter *events.Emitter) (Response, error) {
	model, err := o.resolveModel(req)
	if err != nil {
		return Response{}, newError(CodeInvalidRequest, "resolve model", err)
	}

	st := &runState{allowed: resolveAllowed(req.ToolNames)}
	initialUsage, _ := o.workspace.LoadSessionTokenUsage(req.UserID, req.SessionID)
	historyUsage := int64(initialUsage.TotalTokens)

	systemPrompt, err := o.composeSystemPrompt(req, st)
	if err != nil {
		return Response{}, newError(CodeInternal, "compose system prompt", err)
	}

	historyMessages, err := o.history.LoadContext(req.UserID, req.SessionID, o.workspaceMaxHistoryItems())
	if err != nil {
		return Response{}, newError(CodeInternal, "load history", err)
	}

	messages := make([]llm.Message, 0, len(historyMessages)+2)
	messages = append(messages, llm.SystemMessage(systemPrompt))
	messages = append(messages, historyMessages...)
	messages = append(messages, buildUserMessage(req.Question, req.Attachments))

	if _, err := o.workspace.AppendChat(store.ChatRow{
		UserID: req.UserID, SessionID: req.SessionID, Role: "user", Content: req.Question,
	}); err != nil {
		return Response{}, newError(CodeInternal, "persist user row", err)
	}

	maxRounds := model.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}

	var answer string
	var a2uiPayload []map[string]any
	var a2uiUID string
	var totalUsage eventmodel.Usage

	for round := 1; round <= maxRounds; round++ {
		if err := o.checkpoint(req.SessionID); err != nil {
			return Response{}, err
		}

		var outcome compactionOutcome
		messages, historyUsage, outcome = o.maybeCompact(ctx, req.UserID, req.SessionID, req.ModelName, messages, historyUsage, model)
		if outcome.Status != "skipped" {
			emitter.Emit(eventmodel.TypeCompaction, map[string]any{
				"reason": outcome.Reason, "history_usage": outcome.HistoryUsage,
				"limit": outcome.Limit, "total_tokens_after": outcome.TotalTokensAfter, "status": outcome.Status,
			})
		}

		emitter.Emit(eventmodel.TypeRoundStart, map[string]any{"round": round})

		if err := o.checkpoint(req.SessionID); err != nil {
			return Response{}, err
		}

		emitter.Emit(eventmodel.TypeProgress, map[string]any{"stage": "llm_call", "round": round})
		emitter.Emit(eventmodel.TypeLLMRequest, map[string]any{"round": round, "messages": len(messages)})
		llmResp, usage, err := o.callLLM(ctx, req, model, messages, round, emitter)
		if err != nil {
			return Response{}, newError(CodeLLMUnavailable, "llm call failed", err)
		}
		emitter.Emit(eventmodel.TypeLLMResponse, map[string]any{"round": round})

		if usage.TotalTokens > 0 {
			totalUsage = totalUsage.Add(usage)
			if _, err := o.workspace.AddSessionTokenUsage(req.UserID, req.SessionID, usage); err != nil {
				return Response{}, newError(CodeInternal, "save session token usage", err)
			}
			emitter.Emit(eventmodel.TypeTokenUsage, map[string]any{
				"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens, "total_tokens": usage.TotalTokens,
			})
		}

		if err := o.checkpoint(req.SessionID); err != nil {
			return Response{}, err
		}

		calls := toolcall.Parse(llmResp.content)
		if len(calls) == 0 {
			answer = strings.TrimSpace(llmResp.content)
			if _, err := o.workspace.AppendChat(store.ChatRow{
				UserID: req.UserID, SessionID: req.SessionID, Role: "assistant", Content: answer, ReasoningContent: llmResp.reasoning,
			}); err != nil {
				return Response{}, newError(CodeInternal, "persist assistant row", err)
			}
			break
		}

		if _, err := o.workspace.AppendChat(store.ChatRow{
			UserID: req.UserID, SessionID: req.SessionID, Role: "assistant",
			Content: stripToolCalls(llmResp.content), ReasoningContent: llmResp.reasoning,
		}); err != nil {
			return Response{}, newError(CodeInternal, "persist assistant row", err)
		}

		stopped := false
		for _, call := range calls {
			if err := o.checkpoint(req.SessionID); err != nil {
				return Response{}, err
			}

			if call.Name == sentinelFinalResponse {
				answer = resolveAnswer(call.Arguments)
				stopped = true
				break
			}
			if call.Name == sentinelA2UI {
				a2uiUID, a2uiPayload, answer = resolveA2UI(call.Arguments)
				emitter.Emit(eventmodel.TypeA2UI, map[string]any{"uid": a2uiUID, "messages": a2uiPayload, "content": answer})
				if answer == "" {
					answer = defaultNoAnswerMessage
				}
				stopped = true
				break
			}

			var result dispatch.Result
			if st.allowed != nil && !st.allowed[call.Name] {
				result = o.dispatcher.Deny(emitter, call.Name, call.Arguments)
			} else {
				result = o.dispatcher.Dispatch(ctx, emitter, req.SessionID, call.Name, call.Arguments, st.aliases)
			}

			obs := toolObservation(result)
			messages = append(messages, llm.UserMessage(history.ObservationPrefix+obs))
			if _, err := o.workspace.AppendChat(store.ChatRow{
				UserID: req.UserID, SessionID: req.SessionID, Role: "tool", Content: obs,
			}); err != nil {
				return Response{}, newError(CodeInternal, "persist tool row", err)
			}
			if artifactToolKinds[call.Name] {
				_ = o.workspace.AppendArtifactLog(store.ArtifactLogRow{
					SessionID: req.SessionID, Kind: "file", Action: call.Name, Name: argString(call.Arguments, "path"),
					OK: result.OK, Tool: call.Name,
				})
			}

			if err := o.checkpoint(req.SessionID); err != nil {
				return Response{}, err
			}
			o.dispatcher.ReleaseSandbox(ctx, req.SessionID)
		}

		if stopped {
			break
		}
		messages = append(messages, llm.AssistantMessage(stripToolCalls(llmResp.content)))
	}

	if answer == "" {
		answer = defaultNoAnswerMessage
	}

	emitter.Emit(eventmodel.TypeFinal, map[string]any{"answer": answer})

	if o.memory != nil {
		o.memory.Enqueue(req.UserID, req.SessionID, req.ModelName, req.ConfigOverrides, messages, answer)
	}

	resp := Response{SessionID: req.SessionID, Answer: answer, Usage: &totalUsage}
	if a2uiUID != "" {
		resp.UID = a2uiUID
		resp.A2UI = a2uiPayload
	}
	return resp, nil
}

func (o *Orchestrator) resolveModel(req PreparedRequest) (config.ModelConfig, error) {
	cfg, _ := o.configs.Get()
	return cfg.Model(req.ModelName)
}

func (o *Orchestrator) workspaceMaxHistoryItems() int {
	cfg, _ := o.configs.Get()
	if cfg.Workspace.MaxHistoryItems <= 0 {
		return 200
	}
	return cfg.Workspace.MaxHistoryItems
}

func (o *Orchestrator) composeSystemPrompt(req PreparedRequest, st *runState) (string, error) {
	allowedList := make([]string, 0, len(st.allowed))
	for name := range st.allowed {
		allowedList = append(allowedList, name)
	}
	cfg, version := o.configs.Get()
	return o.prompt.Compose(prompt.Request{
		UserID:        req.UserID,
		BaseTemplate:  defaultBaseTemplate,
		AllowedTools:  allowedList,
		ConfigVersion: version,
		WorkdirOverride: cfg.Workspace.Root,
	})
}

// resolveAllowed turns the request's tool_names into an allow-set: nil means
// "all available" (returns a nil map; callers treat a nil allowed set as
// "everything passes"), a non-nil (possibly empty) slice means exactly that
// set is allowed (spec §6.1 "tool_names").
func resolveAllowed(names []string) map[string]bool {
	if names == nil {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func buildUserMessage(question string, attachments []Attachment) llm.Message {
	if len(attachments) == 0 {
		return llm.UserMessage(question)
	}
	parts := []llm.ContentPart{llm.TextPart(question)}
	for _, a := range attachments {
		if a.Type == "image" {
			parts = append(parts, llm.ImageDataPart([]byte(a.Content), a.MimeType))
		} else {
			parts = append(parts, llm.TextPart(a.Name+":\n"+a.Content))
		}
	}
	return llm.UserMessageWithParts(parts...)
}

func stripToolCalls(text string) string {
	return toolcall.StripCallTags(text)
}

func resolveAnswer(args map[string]any) string {
	if v, ok := args["answer"].(string); ok {
		return v
	}
	if v, ok := args["content"].(string); ok {
		return v
	}
	return defaultNoAnswerMessage
}

func resolveA2UI(args map[string]any) (uid string, messages []map[string]any, note string) {
	if v, ok := args["uid"].(string); ok {
		uid = v
	}
	if v, ok := args["messages"].([]any); ok {
		for _, m := range v {
			if mm, ok := m.(map[string]any); ok {
				messages = append(messages, mm)
			}
		}
	}
	if v, ok := args["content"].(string); ok {
		note = v
	}
	return uid, messages, note
}

// toolObservation renders a tool result as the observation JSON the
// assistant sees, prefixed by history.ObservationPrefix by the caller
// (spec §6.3 "observation injected back into the context").
func toolObservation(r dispatch.Result) string {
	obs := map[string]any{"tool": r.Tool, "ok": r.OK}
	if r.Error != "" {
		obs["error"] = r.Error
	}
	if r.Data != nil {
		obs["data"] = r.Data
	}
	if r.Sandbox != "" {
		obs["sandbox"] = r.Sandbox
	}
	b, err := json.Marshal(obs)
	if err != nil {
		return `{"tool":"` + r.Tool + `","ok":false,"error":"observation marshal failed"}`
	}
	return string(b)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

const defaultBaseTemplate = "You are a capable engineering agent operating inside a sandboxed workspace."
