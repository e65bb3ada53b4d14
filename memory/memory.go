// ABOUTME: Background long-term-memory summarizer (C11): a single-consumer priority queue draining tasks queued at session completion.
// ABOUTME: Grounded on original_source/app/orchestrator/engine.py's _memory_worker_loop and app/memory/longterm.py's MemoryStore normalization.
package memory

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/history"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/tokens"
)

// Constants fixed by spec §6.6, independently declared here (not imported
// from orchestrator) to avoid an orchestrator<->memory import cycle.
const (
	summaryMaxOutput        = 1024 // COMPACTION_SUMMARY_MAX_OUTPUT
	summaryMessageMaxTokens = 2048 // COMPACTION_SUMMARY_MESSAGE_MAX_TOKENS
	defaultMaxRecords       = 30   // MAX_MEMORY_RECORDS
)

// summaryInstruction is the reserved system-role instruction for the
// summarization call (spec §4.11 step 3).
const summaryInstruction = "Extract the long-term valuable information for future conversations. Output plain text lines starting with \"- \" only, without titles or explanations."

const (
	roleLabelUser      = "User"
	roleLabelAssistant = "Assistant"
	roleLabelSeparator = ": "
	imagePlaceholder   = "[Image]"
)

var memorySummaryTagPattern = regexp.MustCompile(`(?is)<memory_summary>(.*?)</memory_summary>`)

// task is one queued summarization request, carrying a deep-copied snapshot
// of the conversation so later chat rows can't make the summary drift
// (spec §4.11, §9 Open Question on snapshot staleness).
type task struct {
	taskID          string
	userID          string
	sessionID       string
	queuedTime      float64
	configOverrides map[string]any
	modelName       string
	messages        []llm.Message
	finalAnswer     string
	seq             int64
}

// taskQueue is a container/heap priority queue ordered by queuedTime, with
// seq as a tiebreaker so same-instant enqueues stay FIFO.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].queuedTime != q[j].queuedTime {
		return q[i].queuedTime < q[j].queuedTime
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Worker is the singleton long-term-memory summarization consumer (C11).
// It is started lazily on the first Enqueue call and drains serially,
// isolating any failure from the request thread that enqueued the task.
type Worker struct {
	st         *store.Store
	client     *llm.Client
	configs    *config.Manager
	maxRecords int

	mu       sync.Mutex
	queue    taskQueue
	notify   chan struct{}
	started  bool
	seqCount int64
}

// New constructs a Worker. The consumer goroutine is not started until the
// first task is enqueued (spec §4.11 "singleton, started lazily").
func New(st *store.Store, client *llm.Client, configs *config.Manager) *Worker {
	return &Worker{
		st:         st,
		client:     client,
		configs:    configs,
		maxRecords: defaultMaxRecords,
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue schedules a post-loop memory-summarization task if the user has
// memory enabled, implementing orchestrator.MemoryEnqueuer without importing
// the orchestrator package (spec §4.11).
func (w *Worker) Enqueue(userID, sessionID, modelName string, configOverrides map[string]any, messages []llm.Message, finalAnswer string) {
	enabled, err := w.st.IsMemoryEnabled(userID)
	if err != nil || !enabled {
		return
	}

	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)

	id := ulid.MustNew(ulid.Now(), rand.Reader)

	w.mu.Lock()
	w.seqCount++
	t := &task{
		taskID:          id.String(),
		userID:          userID,
		sessionID:       sessionID,
		queuedTime:      nowSeconds(),
		configOverrides: configOverrides,
		modelName:       modelName,
		messages:        snapshot,
		finalAnswer:     strings.TrimSpace(finalAnswer),
		seq:             w.seqCount,
	}
	heap.Push(&w.queue, t)
	needsStart := !w.started
	w.started = true
	w.mu.Unlock()

	if needsStart {
		go w.run()
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}

	_ = w.st.UpsertMemoryTaskLog(store.MemoryTaskLog{
		UserID:     userID,
		SessionID:  sessionID,
		TaskID:     t.taskID,
		Status:     "queued",
		QueuedTime: t.queuedTime,
	})
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// run is the singleton consumer loop: pop the earliest-queued task, process
// it, and keep draining even if one task fails (spec §4.11 "must survive
// task failures and continue draining").
func (w *Worker) run() {
	for {
		t, ok := w.pop()
		if !ok {
			return
		}
		w.process(t)
	}
}

// pop returns the earliest-queued task, blocking on the notify signal (with
// a bounded poll fallback) until one arrives or the queue has been idle long
// enough that the consumer should exit and let the next Enqueue respawn it.
func (w *Worker) pop() (*task, bool) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			t := heap.Pop(&w.queue).(*task)
			w.mu.Unlock()
			return t, true
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
			continue
		case <-time.After(50 * time.Millisecond):
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.started = false
				w.mu.Unlock()
				return nil, false
			}
			t := heap.Pop(&w.queue).(*task)
			w.mu.Unlock()
			return t, true
		}
	}
}

// process runs one summarization task end to end, recording a task log
// regardless of outcome and never propagating failure to a caller (spec
// §4.11 steps 1-5).
func (w *Worker) process(t *task) {
	startedTime := nowSeconds()

	status := "done"
	var summary string
	err := w.summarize(t, &summary)
	if err != nil {
		status = "failed"
		_ = w.st.AppendSystemLog("ERROR", "memory_summary: "+err.Error())
	} else if summary == "" {
		status = "failed"
	}

	finishedTime := nowSeconds()
	_ = w.st.UpsertMemoryTaskLog(store.MemoryTaskLog{
		UserID:       t.userID,
		SessionID:    t.sessionID,
		TaskID:       t.taskID,
		Status:       status,
		QueuedTime:   t.queuedTime,
		StartedTime:  &startedTime,
		FinishedTime: &finishedTime,
	})
}

// summarize re-resolves the model config (lowering max_output and forcing a
// single round), composes the summarization messages, calls the LLM once
// non-streaming, and upserts the normalized result (spec §4.11 steps 2-4).
func (w *Worker) summarize(t *task, out *string) error {
	cfg, _ := w.configs.Get()
	model, err := cfg.Model(t.modelName)
	if err != nil {
		return err
	}
	if model.MaxOutput == 0 || model.MaxOutput > summaryMaxOutput {
		model.MaxOutput = summaryMaxOutput
	}

	messages := w.buildSummaryMessages(t)

	ctx, cancel := context.WithTimeout(context.Background(), model.Timeout())
	defer cancel()

	resp, err := w.client.Complete(ctx, llm.Request{
		Model:     t.modelName,
		Provider:  model.Provider,
		Messages:  messages,
		MaxTokens: llm.IntPtr(model.MaxOutput),
	})
	if err != nil {
		return err
	}

	summary := normalizeSummary(resp.TextContent())
	*out = summary
	if summary == "" {
		return nil
	}

	now := t.queuedTime
	return w.st.UpsertMemoryRecord(store.MemoryRecord{
		UserID:      t.userID,
		SessionID:   t.sessionID,
		Summary:     summary,
		CreatedTime: now,
		UpdatedTime: now,
	}, w.maxRecords)
}

// buildSummaryMessages composes {system: instruction, user: concatenated
// role-labeled transcript} and trims it to the lowered token budget (spec
// §4.11 step 3).
func (w *Worker) buildSummaryMessages(t *task) []llm.Message {
	userContent := buildSummaryUserContent(t.messages, t.finalAnswer)
	messages := []llm.Message{
		llm.SystemMessage(summaryInstruction),
		llm.UserMessage(userContent),
	}

	for i, msg := range messages {
		text := msg.TextContent()
		trimmed := tokens.TrimTextToTokens(text, summaryMessageMaxTokens, "…(truncated)")
		if trimmed != text {
			messages[i] = llm.Message{Role: msg.Role, Content: []llm.ContentPart{llm.TextPart(trimmed)}}
		}
	}
	return messages
}

// buildSummaryUserContent flattens the transcript into role-labeled lines,
// skipping system rows and tool-call observations, and appends the final
// answer if it wasn't already the last assistant turn (spec §4.11 step 3).
func buildSummaryUserContent(messages []llm.Message, finalAnswer string) string {
	var lines []string
	lastAssistant := ""

	for i := range messages {
		msg := messages[i]
		if msg.Role == llm.RoleSystem {
			continue
		}
		text := strings.TrimSpace(messageText(&msg))
		if msg.Role == llm.RoleUser && strings.HasPrefix(text, history.ObservationPrefix) {
			continue
		}
		if text == "" {
			continue
		}

		label := string(msg.Role)
		switch msg.Role {
		case llm.RoleUser:
			label = roleLabelUser
		case llm.RoleAssistant:
			label = roleLabelAssistant
		}
		lines = append(lines, label+roleLabelSeparator+text)
		if msg.Role == llm.RoleAssistant {
			lastAssistant = text
		}
	}

	final := strings.TrimSpace(finalAnswer)
	if final != "" && final != lastAssistant {
		lines = append(lines, roleLabelAssistant+roleLabelSeparator+final)
	}
	return strings.Join(lines, "\n")
}

// messageText renders a message's readable text, substituting
// imagePlaceholder for any image content part so multimodal turns still
// contribute a line to the summary transcript (spec §4.11 step 3,
// grounded on _extract_memory_summary_text's image_url handling).
func messageText(msg *llm.Message) string {
	text := msg.TextContent()
	for _, part := range msg.Content {
		if part.Kind == llm.ContentImage {
			text += "\n" + imagePlaceholder
		}
	}
	return strings.TrimSpace(text)
}

// normalizeSummary converts raw model output into the flat text format
// memory_records.summary stores: prefer an explicit <memory_summary> tag,
// then a JSON object/array collapsed to "；"-joined values, then a
// bullet-list collapse (spec §4.11 step 4, grounded on
// MemoryStore.normalize_summary).
func normalizeSummary(text string) string {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return ""
	}

	if m := memorySummaryTagPattern.FindStringSubmatch(raw); m != nil {
		tagged := strings.TrimSpace(m[1])
		if parsed, ok := parseJSONSummary(tagged); ok {
			return parsed
		}
		if tagged != "" {
			raw = tagged
		}
	}

	if parsed, ok := parseJSONSummary(raw); ok {
		return parsed
	}

	var segments []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•")
		line = strings.TrimSpace(line)
		if line != "" {
			segments = append(segments, line)
		}
	}
	return strings.Join(segments, "；")
}

// parseJSONSummary decodes raw as a JSON object or array and joins its
// values with "；", returning ok=false if raw isn't valid JSON.
func parseJSONSummary(raw string) (string, bool) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", false
	}

	var values []any
	switch v := decoded.(type) {
	case map[string]any:
		for _, val := range v {
			values = append(values, val)
		}
	case []any:
		values = v
	default:
		return "", false
	}

	var segments []string
	for _, v := range values {
		var s string
		if str, ok := v.(string); ok {
			s = strings.TrimSpace(str)
		} else {
			b, _ := json.Marshal(v)
			s = strings.TrimSpace(string(b))
		}
		if s != "" && s != "null" {
			segments = append(segments, s)
		}
	}
	return strings.Join(segments, "；"), true
}

