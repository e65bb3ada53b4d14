// ABOUTME: Heuristic token estimation for strings and chat messages, with budget-aware trim helpers.
// ABOUTME: Pure and deterministic: no network calls, no tokenizer dependency, just byte-length heuristics.
package tokens

import (
	"regexp"
	"strings"

	"github.com/brassloop/conductor/llm"
)

// imageTokenEstimate is the fixed per-image cost substituted for any embedded
// base64 data URL before the byte-length heuristic runs.
const imageTokenEstimate = 256

// perMessageOverhead approximates the role/metadata envelope cost each
// message carries beyond its raw content.
const perMessageOverhead = 4

const imagePlaceholder = "[image]"

var dataURLPattern = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)

// ApproxTokens estimates the token cost of a string as ceil(len(utf8 bytes)/4),
// after normalizing embedded base64 image data URLs to a fixed-cost placeholder.
func ApproxTokens(text string) int {
	if text == "" {
		return 0
	}

	imageCount := strings.Count(text, "data:image/")
	normalized := text
	if imageCount > 0 {
		normalized = dataURLPattern.ReplaceAllString(text, imagePlaceholder)
	}

	total := ceilDiv(len(normalized), 4)
	total += imageCount * imageTokenEstimate
	return total
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// contentText extracts plain text from a message's content parts, writing
// each image part as the placeholder; EstimateMessage adds the fixed
// per-image cost for it, so image parts are charged like inline data URLs.
func contentText(msg llm.Message) string {
	var b strings.Builder
	for _, part := range msg.Content {
		switch part.Kind {
		case llm.ContentText:
			b.WriteString(part.Text)
		case llm.ContentImage:
			b.WriteString(imagePlaceholder)
		case llm.ContentToolResult:
			if part.ToolResult != nil {
				b.WriteString(part.ToolResult.Content)
			}
		case llm.ContentToolCall:
			if part.ToolCall != nil {
				b.WriteString(part.ToolCall.Name)
				b.Write(part.ToolCall.Arguments)
			}
		}
	}
	return b.String()
}

// EstimateMessage returns the estimated token cost of a single message: its
// content plus any reasoning trace plus per-message overhead.
func EstimateMessage(msg llm.Message) int {
	cost := ApproxTokens(contentText(msg))
	for _, part := range msg.Content {
		if part.Kind == llm.ContentImage {
			cost += imageTokenEstimate
		}
	}
	cost += ApproxTokens(msg.ReasoningContent())
	return cost + perMessageOverhead
}

// EstimateMessages sums EstimateMessage over a list of messages.
func EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// TrimTextToTokens preserves the prefix of text that fits within budget
// tokens, appending suffix to mark the truncation. If budget is too small to
// hold the suffix, the suffix itself is character-truncated to fit.
func TrimTextToTokens(text string, budget int, suffix string) string {
	if ApproxTokens(text) <= budget {
		return text
	}

	suffixTokens := ApproxTokens(suffix)
	if budget <= suffixTokens {
		maxChars := budget * 4
		if maxChars < 0 {
			maxChars = 0
		}
		if maxChars > len(suffix) {
			maxChars = len(suffix)
		}
		return suffix[:maxChars]
	}

	keepBudget := budget - suffixTokens
	maxChars := keepBudget * 4
	if maxChars > len(text) {
		maxChars = len(text)
	}
	return text[:maxChars] + suffix
}

// TrimMessagesToBudget drops the oldest messages until the remaining list
// fits within budget tokens, always retaining at least the last message.
func TrimMessagesToBudget(msgs []llm.Message, budget int) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	kept := append([]llm.Message(nil), msgs...)
	for len(kept) > 1 && EstimateMessages(kept) > budget {
		kept = kept[1:]
	}
	return kept
}
