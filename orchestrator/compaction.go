// ABOUTME: Compaction trigger and procedure for the reason-act loop (spec §4.10.a).
// ABOUTME: Locates the tail block to retain verbatim, summarizes everything before it, and rebuilds the message list.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/history"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/tokens"
)

// Compaction constants fixed by spec §6.6.
const (
	compactionRatio                   = 0.9
	compactionOutputReserve           = 1024
	compactionSafetyMargin            = 512
	compactionKeepRecentTokens        = 2000
	compactionMinObservationTokens    = 128
	compactionSummaryMaxOutput        = 1024
	compactionSummaryMessageMaxTokens = 2048
)

// compactionOutcome reports what maybeCompact did, for the compaction event.
type compactionOutcome struct {
	Reason          string
	HistoryUsage    int64
	Limit           int
	TotalTokensAfter int
	Status          string // done | fallback | skipped
}

// computeLimit returns the message-token budget maybe_compact enforces: the
// ratio-based limit capped by the hard output-reserve/safety-margin budget.
func computeLimit(maxContext int) int {
	ratioLimit := int(float64(maxContext) * compactionRatio)
	hardLimit := maxContext - compactionOutputReserve - compactionSafetyMargin
	if hardLimit <= 0 {
		hardLimit = ratioLimit
	}
	if hardLimit < ratioLimit {
		return hardLimit
	}
	return ratioLimit
}

// locateTailStart finds the start of the tail block to retain verbatim:
// walk back to the last user turn, then to the preceding assistant turn,
// then to the user turn preceding that (spec §4.10.a step 1).
func locateTailStart(messages []llm.Message) int {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser <= 0 {
		if lastUser < 0 {
			return 0
		}
		return lastUser
	}

	precedingAssistant := -1
	for i := lastUser - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant {
			precedingAssistant = i
			break
		}
	}
	if precedingAssistant < 0 {
		return lastUser
	}

	earliestUser := -1
	for i := precedingAssistant - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			earliestUser = i
			break
		}
	}
	if earliestUser < 0 {
		return precedingAssistant
	}
	return earliestUser
}

// leadingSystemMessage returns messages[0] if it is a system message
// (the composed system prompt), so the rebuild can keep it in front of the
// summary.
func leadingSystemMessage(messages []llm.Message) (llm.Message, bool) {
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		return messages[0], true
	}
	return llm.Message{}, false
}

// shrinkObservations shrinks role=user messages carrying the observation
// prefix toward compactionMinObservationTokens, mutating in place, until
// estimate falls within limit or nothing more can be shrunk (spec §4.10.a step 5).
func shrinkObservations(messages []llm.Message, limit int) []llm.Message {
	for tokens.EstimateMessages(messages) > limit {
		shrunkAny := false
		for i := range messages {
			if messages[i].Role != llm.RoleUser {
				continue
			}
			text := messages[i].TextContent()
			if !strings.HasPrefix(text, history.ObservationPrefix) {
				continue
			}
			if tokens.EstimateMessage(messages[i]) <= compactionMinObservationTokens {
				continue
			}
			trimmed := tokensTrimObservation(text, compactionMinObservationTokens)
			messages[i] = llm.UserMessage(trimmed)
			shrunkAny = true
		}
		if !shrunkAny {
			break
		}
	}
	return messages
}

func tokensTrimObservation(text string, budget int) string {
	body := strings.TrimPrefix(text, history.ObservationPrefix)
	return history.ObservationPrefix + tokensTrimToTokens(body, budget)
}

func tokensTrimToTokens(text string, budget int) string {
	return tokens.TrimTextToTokens(text, budget, "…(truncated)")
}

// maybeCompact checks the two compaction triggers and, if either fires, runs
// the full summarize-and-rebuild procedure (spec §4.10.a). It returns the
// possibly-rebuilt message list, the (possibly reset) history usage counter,
// and an outcome describing what happened for the compaction event.
func (o *Orchestrator) maybeCompact(ctx context.Context, userID, sessionID, modelName string, messages []llm.Message, historyUsage int64, model config.ModelConfig) ([]llm.Message, int64, compactionOutcome) {
	limit := computeLimit(model.MaxContext)

	reason := ""
	switch {
	case float64(historyUsage) >= float64(model.MaxContext)*model.HistoryCompactionRatio:
		reason = "history_ratio"
	case tokens.EstimateMessages(messages) > limit:
		reason = "absolute_overflow"
	}
	if reason == "" {
		return messages, historyUsage, compactionOutcome{Limit: limit, HistoryUsage: historyUsage, Status: "skipped"}
	}

	tailStart := locateTailStart(messages)
	tail := append([]llm.Message(nil), messages[tailStart:]...)

	summarizePrompt := history.BuildSummarizePrompt(messages, compactionSummaryMessageMaxTokens, tokensTrimToTokens)
	summaryText := o.history.GenerateSummary(ctx, modelName, summarizePrompt, compactionSummaryMaxOutput)

	status := "done"
	if summaryText == history.FallbackSummary {
		status = "fallback"
	}

	compactedUntilTS := float64(time.Now().Unix())
	if err := o.history.PersistSummary(userID, sessionID, summaryText, compactedUntilTS); err != nil {
		status = "fallback"
	}

	rebuilt := make([]llm.Message, 0, len(tail)+3)
	if sysMsg, ok := leadingSystemMessage(messages); ok {
		rebuilt = append(rebuilt, sysMsg)
	}
	rebuilt = append(rebuilt, llm.SystemMessage(summaryText))
	if artifactBlock, err := o.history.ArtifactIndexBlock(sessionID); err == nil && artifactBlock != "" {
		rebuilt = append(rebuilt, llm.SystemMessage(artifactBlock))
	}
	rebuilt = append(rebuilt, tail...)

	if tokens.EstimateMessages(rebuilt) > limit {
		rebuilt = shrinkObservations(rebuilt, limit)
	}

	newUsage := historyUsage
	switch model.HistoryCompactionReset {
	case "zero":
		newUsage = 0
	case "keep":
		// leave historyUsage untouched
	default: // "current"
		newUsage = int64(tokens.EstimateMessages(rebuilt))
	}

	return rebuilt, newUsage, compactionOutcome{
		Reason:           reason,
		HistoryUsage:     historyUsage,
		Limit:            limit,
		TotalTokensAfter: tokens.EstimateMessages(rebuilt),
		Status:           status,
	}
}
