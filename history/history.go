// ABOUTME: History Manager (C8): context loading across compaction boundaries, artifact-index synthesis, and compaction-summary generation.
// ABOUTME: Grounded on the original orchestrator's HistoryManager: same filter/cut/rebuild shape, expressed over llm.Message instead of dict history rows.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/workspace"
)

const (
	// ObservationPrefix marks a tool-result row converted back into a user
	// turn so the model sees it as part of the conversation (spec §4.8, §6.3).
	ObservationPrefix = "tool_response: "

	// CompactionSummaryPrefix tags a persisted summary so it is recognizable
	// even if its meta is lost or stripped.
	CompactionSummaryPrefix = "[compaction-summary]"

	// ArtifactIndexPrefix tags the synthesized artifact-index system message.
	ArtifactIndexPrefix = "[artifact-index]"

	// CompactionMetaType is the chat_history.meta.type value for a summary row.
	CompactionMetaType = "compaction_summary"

	// ArtifactIndexMaxItems bounds how many recent artifact rows feed the index (spec §6.6).
	ArtifactIndexMaxItems = 200

	artifactListLimit = 12

	// FallbackSummary is persisted in place of a generated summary when the
	// LLM call in GenerateSummary fails (spec §4.10.a step 3).
	FallbackSummary = CompactionSummaryPrefix + "\nSummary unavailable; continuing with recent context only."
)

// Manager loads conversational context and produces compaction summaries
// (spec §4.8, C8).
type Manager struct {
	workspace *workspace.Manager
	client    *llm.Client
}

// New constructs a Manager backed by ws for storage and client for
// compaction-summary generation.
func New(ws *workspace.Manager, client *llm.Client) *Manager {
	return &Manager{workspace: ws, client: client}
}

// LoadContext loads chat history for (userID, sessionID) bounded by
// maxHistoryItems, drops system rows, cuts anything covered by the latest
// compaction summary, and prepends the summary and artifact-index blocks as
// system messages (spec §4.8 "Loading context").
func (m *Manager) LoadContext(userID, sessionID string, maxHistoryItems int) ([]llm.Message, error) {
	rows, err := m.workspace.LoadHistory(userID, sessionID, maxHistoryItems)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}

	filtered, summaryRow, hasSummary := filterHistoryRows(rows)

	var messages []llm.Message
	if hasSummary {
		messages = append(messages, llm.SystemMessage(formatCompactionSummary(summaryRow.Content)))
	}

	artifactBlock, err := m.ArtifactIndexBlock(sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: artifact index: %w", err)
	}
	if artifactBlock != "" {
		messages = append(messages, llm.SystemMessage(artifactBlock))
	}

	for _, row := range filtered {
		msg, ok := buildMessageFromRow(row)
		if ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// isCompactionSummaryRow reports whether row is a compaction-summary chat row.
func isCompactionSummaryRow(row store.ChatRow) bool {
	if row.Meta != nil {
		if t, _ := row.Meta["type"].(string); t == CompactionMetaType {
			return true
		}
	}
	return strings.HasPrefix(row.Content, CompactionSummaryPrefix)
}

func compactedUntilTS(row store.ChatRow) (float64, bool) {
	if row.Meta == nil {
		return 0, false
	}
	raw, ok := row.Meta["compacted_until_ts"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// filterHistoryRows drops system rows and the summary row itself, then cuts
// every row the latest summary already covers (by timestamp, falling back
// to index-based cut when timestamps are absent), per spec §4.8.
func filterHistoryRows(rows []store.ChatRow) (filtered []store.ChatRow, summary store.ChatRow, hasSummary bool) {
	summaryIndex := -1
	for i, row := range rows {
		if isCompactionSummaryRow(row) {
			summaryIndex = i
			summary = row
			hasSummary = true
		}
	}

	cutoff, hasCutoff := float64(0), false
	if hasSummary {
		cutoff, hasCutoff = compactedUntilTS(summary)
	}

	for i, row := range rows {
		if isCompactionSummaryRow(row) {
			continue
		}
		if row.Role == "system" {
			continue
		}
		if hasCutoff {
			if row.Timestamp > 0 && row.Timestamp <= cutoff {
				continue
			}
			if row.Timestamp == 0 && summaryIndex >= 0 && i <= summaryIndex {
				continue
			}
		} else if hasSummary && summaryIndex >= 0 && i <= summaryIndex {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered, summary, hasSummary
}

func formatCompactionSummary(content string) string {
	cleaned := strings.TrimSpace(content)
	if cleaned == "" {
		cleaned = "No summary available."
	}
	if !strings.HasPrefix(cleaned, CompactionSummaryPrefix) {
		cleaned = CompactionSummaryPrefix + "\n" + cleaned
	}
	return cleaned
}

// buildMessageFromRow converts one retained chat row into a context message:
// assistant rows preserve reasoning_content; tool rows become a role=user
// observation-prefixed message (spec §4.8).
func buildMessageFromRow(row store.ChatRow) (llm.Message, bool) {
	if row.Role == "" {
		return llm.Message{}, false
	}
	switch row.Role {
	case "tool":
		return llm.UserMessage(ObservationPrefix + row.Content), true
	case "assistant":
		msg := llm.AssistantMessage(row.Content)
		if row.ReasoningContent != "" {
			msg.Content = append(msg.Content, llm.ContentPart{Kind: llm.ContentThinking, Thinking: &llm.ThinkingData{Text: row.ReasoningContent}})
		}
		return msg, true
	case "user":
		return llm.UserMessage(row.Content), true
	default:
		return llm.Message{Role: llm.Role(row.Role), Content: []llm.ContentPart{llm.TextPart(row.Content)}}, true
	}
}

// ArtifactIndexBlock loads the last ArtifactIndexMaxItems artifact rows for
// sessionID and synthesizes the five-category dedup-in-order index text
// (spec §4.8 "Artifact index").
func (m *Manager) ArtifactIndexBlock(sessionID string) (string, error) {
	rows, err := m.workspace.LoadArtifactLogs(sessionID, ArtifactIndexMaxItems)
	if err != nil {
		return "", err
	}
	text := buildArtifactIndexText(rows)
	return formatArtifactIndex(text), nil
}

func formatArtifactIndex(content string) string {
	cleaned := strings.TrimSpace(content)
	if cleaned == "" {
		return ""
	}
	if !strings.HasPrefix(cleaned, ArtifactIndexPrefix) {
		cleaned = ArtifactIndexPrefix + "\n" + cleaned
	}
	return cleaned
}

var actionLabels = map[string]string{
	"read":    "read",
	"write":   "write",
	"replace": "replace",
	"edit":    "edit",
	"execute": "execute",
	"run":     "run",
}

func buildArtifactIndexText(rows []store.ArtifactLogRow) string {
	if len(rows) == 0 {
		return ""
	}

	var fileReads []string
	fileChangeOrder := []string{}
	fileChanges := map[string][]string{}
	var commands, scripts, failures []string

	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if !row.OK {
			label := name
			if label == "" {
				label = strings.TrimSpace(row.Tool)
			}
			if label == "" {
				label = "unknown entry"
			}
			failures = append(failures, fmt.Sprintf("%s: execution failed", label))
		}
		if name == "" {
			continue
		}
		switch row.Kind {
		case "file":
			if row.Action == "read" {
				fileReads = append(fileReads, name)
			} else {
				label := actionLabels[row.Action]
				if label == "" {
					label = row.Action
					if label == "" {
						label = "change"
					}
				}
				if _, seen := fileChanges[name]; !seen {
					fileChangeOrder = append(fileChangeOrder, name)
				}
				fileChanges[name] = appendUnique(fileChanges[name], label)
			}
		case "command":
			commands = append(commands, name)
		case "script":
			scripts = append(scripts, name)
		}
	}

	fileReads = uniqueInOrder(fileReads)
	commands = uniqueInOrder(commands)
	scripts = uniqueInOrder(scripts)
	failures = uniqueInOrder(failures)

	var fileChangeItems []string
	for _, name := range fileChangeOrder {
		fileChangeItems = append(fileChangeItems, fmt.Sprintf("%s(%s)", name, strings.Join(fileChanges[name], "/")))
	}

	var lines []string
	if len(fileReads) > 0 {
		lines = append(lines, fmt.Sprintf("- file reads (%d): %s", len(fileReads), formatIndexItems(fileReads, artifactListLimit)))
	}
	if len(fileChangeItems) > 0 {
		lines = append(lines, fmt.Sprintf("- file changes (%d): %s", len(fileChangeItems), formatIndexItems(fileChangeItems, artifactListLimit)))
	}
	if len(commands) > 0 {
		lines = append(lines, fmt.Sprintf("- commands (%d): %s", len(commands), formatIndexItems(commands, artifactListLimit)))
	}
	if len(scripts) > 0 {
		lines = append(lines, fmt.Sprintf("- scripts (%d): %s", len(scripts), formatIndexItems(scripts, artifactListLimit)))
	}
	if len(failures) > 0 {
		lines = append(lines, fmt.Sprintf("- failures (%d): %s", len(failures), formatIndexItems(failures, artifactListLimit)))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func uniqueInOrder(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func formatIndexItems(items []string, limit int) string {
	if len(items) == 0 {
		return ""
	}
	total := len(items)
	display := items
	suffix := ""
	if total > limit {
		display = items[:limit]
		suffix = fmt.Sprintf(" …and %d items", total-limit)
	}
	return strings.Join(display, ", ") + suffix
}

// compactionInstructionTemplate is the fixed instruction substituted for the
// final user turn's content when building the "summarize" prompt list.
const compactionInstructionTemplate = "Produce a handoff-ready structured summary covering: task goal, progress so far, key decisions and constraints, key data and artifacts, and open items/next steps. Write \"none\" for any empty section."

// BuildSummarizePrompt copies messages, replaces the final user turn with
// the fixed compaction instruction, and trims any message exceeding
// maxMessageTokens (spec §4.10.a step 2).
func BuildSummarizePrompt(messages []llm.Message, maxMessageTokens int, trim func(string, int) string) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)

	lastUser := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == llm.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 {
		out[lastUser] = llm.UserMessage(compactionInstructionTemplate)
	}

	for i, msg := range out {
		text := msg.TextContent()
		if trim != nil && text != "" {
			trimmed := trim(text, maxMessageTokens)
			if trimmed != text {
				out[i] = llm.Message{Role: msg.Role, Content: []llm.ContentPart{llm.TextPart(trimmed)}, Name: msg.Name, ToolCallID: msg.ToolCallID}
			}
		}
	}
	return out
}

// GenerateSummary invokes the LLM with maxOutput reserved for the summary
// and returns the formatted summary text. On LLM failure it returns the
// fixed fallback string rather than propagating the error, per spec
// §4.10.a step 3.
func (m *Manager) GenerateSummary(ctx context.Context, modelName string, prompt []llm.Message, maxOutput int) string {
	resp, err := m.client.Complete(ctx, llm.Request{
		Model:     modelName,
		Messages:  prompt,
		MaxTokens: llm.IntPtr(maxOutput),
	})
	if err != nil {
		return FallbackSummary
	}
	return formatCompactionSummary(resp.TextContent())
}

// PersistSummary writes the compaction summary as a system chat row with
// meta.type=compaction_summary and meta.compacted_until_ts (spec §4.8,
// §4.10.a step 4).
func (m *Manager) PersistSummary(userID, sessionID, summary string, compactedUntilTS float64) error {
	_, err := m.workspace.AppendChat(store.ChatRow{
		UserID:    userID,
		SessionID: sessionID,
		Role:      "system",
		Content:   summary,
		Meta: map[string]any{
			"type":               CompactionMetaType,
			"compacted_until_ts": compactedUntilTS,
		},
	})
	return err
}
