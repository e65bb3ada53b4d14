// ABOUTME: Tests for token estimation and budget-aware trimming.
// ABOUTME: Validates byte-heuristic estimates, image cost substitution, and trim boundary behavior.

package tokens

import (
	"strings"
	"testing"

	"github.com/brassloop/conductor/llm"
)

func TestApproxTokens(t *testing.T) {
	if got := ApproxTokens(""); got != 0 {
		t.Errorf("ApproxTokens(\"\") = %d, want 0", got)
	}

	if got := ApproxTokens("abcd"); got != 1 {
		t.Errorf("ApproxTokens(4 chars) = %d, want 1", got)
	}

	if got := ApproxTokens("abcde"); got != 2 {
		t.Errorf("ApproxTokens(5 chars) = %d, want 2 (ceil)", got)
	}
}

func TestApproxTokensImageSubstitution(t *testing.T) {
	text := "look: data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAUA"
	withImage := ApproxTokens(text)

	withoutImage := ApproxTokens("look: ")
	if withImage <= withoutImage {
		t.Errorf("image text estimate %d should exceed plain text estimate %d", withImage, withoutImage)
	}

	// The fixed per-image cost dominates the estimate regardless of the
	// base64 payload's actual length.
	longer := text + strings.Repeat("A", 500)
	if ApproxTokens(longer) != withImage {
		t.Errorf("longer base64 payload should normalize to the same placeholder cost")
	}
}

func TestEstimateMessage(t *testing.T) {
	msg := llm.Message{
		Role:    llm.RoleUser,
		Content: []llm.ContentPart{llm.TextPart("hello world")},
	}

	got := EstimateMessage(msg)
	want := ApproxTokens("hello world") + perMessageOverhead
	if got != want {
		t.Errorf("EstimateMessage = %d, want %d", got, want)
	}
}

func TestEstimateMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: []llm.ContentPart{llm.TextPart("one")}},
		{Role: llm.RoleAssistant, Content: []llm.ContentPart{llm.TextPart("two")}},
	}

	got := EstimateMessages(msgs)
	want := EstimateMessage(msgs[0]) + EstimateMessage(msgs[1])
	if got != want {
		t.Errorf("EstimateMessages = %d, want %d", got, want)
	}
}

func TestTrimTextToTokens(t *testing.T) {
	t.Run("under budget returns unchanged", func(t *testing.T) {
		got := TrimTextToTokens("short", 100, "...[truncated]")
		if got != "short" {
			t.Errorf("got %q, want unchanged", got)
		}
	})

	t.Run("over budget truncates and appends suffix", func(t *testing.T) {
		text := strings.Repeat("x", 1000)
		got := TrimTextToTokens(text, 10, "...[truncated]")
		if !strings.HasSuffix(got, "...[truncated]") {
			t.Errorf("expected suffix appended, got %q", got)
		}
		if ApproxTokens(got) > 11 {
			t.Errorf("trimmed text estimate %d exceeds budget by too much", ApproxTokens(got))
		}
	})

	t.Run("budget smaller than suffix truncates suffix itself", func(t *testing.T) {
		got := TrimTextToTokens(strings.Repeat("y", 1000), 1, "...[truncated]")
		if len(got) > 4 {
			t.Errorf("expected suffix-only truncation, got %q", got)
		}
	})
}

func TestTrimMessagesToBudget(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: []llm.ContentPart{llm.TextPart(strings.Repeat("a", 400))}},
		{Role: llm.RoleAssistant, Content: []llm.ContentPart{llm.TextPart(strings.Repeat("b", 400))}},
		{Role: llm.RoleUser, Content: []llm.ContentPart{llm.TextPart("last")}},
	}

	got := TrimMessagesToBudget(msgs, 20)
	if len(got) == 0 {
		t.Fatal("expected at least one message retained")
	}
	if got[len(got)-1].Content[0].Text != "last" {
		t.Errorf("expected last message retained, got %+v", got[len(got)-1])
	}

	t.Run("never drops below one message", func(t *testing.T) {
		got := TrimMessagesToBudget(msgs, 0)
		if len(got) != 1 {
			t.Errorf("expected exactly one message retained, got %d", len(got))
		}
	})

	t.Run("empty input returns empty", func(t *testing.T) {
		got := TrimMessagesToBudget(nil, 100)
		if len(got) != 0 {
			t.Errorf("expected empty result, got %d messages", len(got))
		}
	})
}
