// ABOUTME: Parses tool-call requests out of free-form LLM completion text.
// ABOUTME: Tries closed <tool_call>...</tool_call> tags, then open tags, then bare JSON payloads.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Call is a single normalized tool-call request extracted from model text.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

var (
	openTagPattern  = regexp.MustCompile(`(?is)<(tool_call|tool)\b[^>]*>`)
	closeTagPattern = regexp.MustCompile(`(?is)</(tool_call|tool)\s*>`)
)

// fullClosedTagPattern matches an entire <tool_call>...</tool_call> (or
// <tool>...</tool>) span, reused by StripCallTags to remove the call text
// the model emitted from the answer surfaced to the end user.
var fullClosedTagPattern = regexp.MustCompile(`(?is)<(tool_call|tool)\b[^>]*>.*?</(?:tool_call|tool)\s*>`)

// StripCallTags removes every recognized tool-call tag span from text: full
// closed <tool_call>...</tool_call>/<tool>...</tool> blocks, and, failing
// that, a dangling open tag through to the end of the text (the
// open-tag-only emission form Parse also recognizes). Used to produce the
// user-facing answer once the model's tool calls have been extracted.
func StripCallTags(text string) string {
	stripped := fullClosedTagPattern.ReplaceAllString(text, "")
	if loc := openTagPattern.FindStringIndex(stripped); loc != nil {
		stripped = stripped[:loc[0]]
	}
	return strings.TrimSpace(stripped)
}

// Parse extracts zero or more tool calls from text, trying each recognition
// tier in turn and stopping at the first tier that yields at least one call.
func Parse(text string) []Call {
	if text == "" {
		return nil
	}
	if calls := parseClosedTags(text); len(calls) > 0 {
		return calls
	}
	if calls := parseOpenTags(text); len(calls) > 0 {
		return calls
	}
	return parsePayload(text)
}

// tagSpan is an open or close tag occurrence: its tag name, and the text
// offsets of the tag itself.
type tagSpan struct {
	name       string
	start, end int
	closing    bool
}

func parseClosedTags(text string) []Call {
	opens := openTagPattern.FindAllStringSubmatchIndex(text, -1)
	closes := closeTagPattern.FindAllStringSubmatchIndex(text, -1)
	if len(opens) == 0 || len(closes) == 0 {
		return nil
	}

	var spans []tagSpan
	for _, m := range opens {
		spans = append(spans, tagSpan{
			name: strings.ToLower(text[m[2]:m[3]]),
			start: m[0], end: m[1],
		})
	}
	for _, m := range closes {
		spans = append(spans, tagSpan{
			name: strings.ToLower(text[m[2]:m[3]]),
			start: m[0], end: m[1], closing: true,
		})
	}

	var calls []Call
	used := make([]bool, len(spans))
	for i, s := range spans {
		if s.closing || used[i] {
			continue
		}
		for j, c := range spans {
			if j == i || !c.closing || used[j] || c.name != s.name || c.start < s.end {
				continue
			}
			payload := strings.TrimSpace(text[s.end:c.start])
			calls = append(calls, parsePayload(payload)...)
			used[j] = true
			break
		}
	}
	return calls
}

func parseOpenTags(text string) []Call {
	matches := openTagPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var calls []Call
	for i, m := range matches {
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		payload := strings.TrimSpace(text[start:end])
		if payload == "" {
			continue
		}
		calls = append(calls, parsePayload(payload)...)
	}
	return calls
}

func parsePayload(payload string) []Call {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		parsed = extractJSON(payload)
	}
	return normalizeCalls(parsed)
}

// extractJSON scans payload for the first balanced {...} or [...] span and
// attempts to decode it, skipping spans that fail to parse.
func extractJSON(payload string) any {
	for i, r := range payload {
		if r != '{' && r != '[' {
			continue
		}
		end := findJSONEnd(payload, i)
		if end < 0 {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(payload[i:end]), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

// findJSONEnd locates the index just past the balanced bracket structure
// starting at start, tracking string/escape state so brackets inside string
// literals are ignored. Returns -1 if no balanced structure closes.
func findJSONEnd(text string, start int) int {
	var stack []byte
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return -1
			}
			opening := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (opening == '{' && c != '}') || (opening == '[' && c != ']') {
				return -1
			}
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func normalizeCalls(payload any) []Call {
	switch v := payload.(type) {
	case map[string]any:
		if call, ok := normalizeCall(v); ok {
			return []Call{call}
		}
		return nil
	case []any:
		var calls []Call
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if call, ok := normalizeCall(obj); ok {
				calls = append(calls, call)
			}
		}
		return calls
	default:
		return nil
	}
}

// normalizeCall validates a raw decoded call object has both name and
// arguments, parsing a string-typed arguments field as JSON (falling back to
// wrapping it as {"raw": ...} if it isn't valid JSON).
func normalizeCall(raw map[string]any) (Call, bool) {
	nameVal, hasName := raw["name"]
	argsVal, hasArgs := raw["arguments"]
	if !hasName || !hasArgs {
		return Call{}, false
	}
	name, _ := nameVal.(string)
	if name == "" {
		return Call{}, false
	}

	args := map[string]any{}
	switch a := argsVal.(type) {
	case map[string]any:
		args = a
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(a), &decoded); err == nil {
			args = decoded
		} else {
			args = map[string]any{"raw": a}
		}
	default:
		args = map[string]any{"raw": a}
	}

	return Call{Name: name, Arguments: args}, true
}
