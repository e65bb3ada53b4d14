// ABOUTME: Tests for the tool-call parser's three recognition tiers.
// ABOUTME: Validates closed tags, open tags, and bare-payload balanced-bracket extraction.

package toolcall

import (
	"reflect"
	"testing"
)

func TestParseClosedTags(t *testing.T) {
	text := `I will look this up. <tool_call>{"name": "search", "arguments": {"query": "weather"}}</tool_call> done.`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "search" {
		t.Errorf("Name = %q, want search", calls[0].Name)
	}
	if !reflect.DeepEqual(calls[0].Arguments, map[string]any{"query": "weather"}) {
		t.Errorf("Arguments = %+v", calls[0].Arguments)
	}
}

func TestParseClosedTagsMultiple(t *testing.T) {
	text := `<tool_call>{"name": "a", "arguments": {}}</tool_call>mid text<tool>{"name": "b", "arguments": {}}</tool>`

	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("unexpected call names: %+v", calls)
	}
}

func TestParseOpenTags(t *testing.T) {
	text := `<tool_call>{"name": "read_file", "arguments": {"path": "a.txt"}}`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "read_file" {
		t.Errorf("Name = %q, want read_file", calls[0].Name)
	}
}

func TestParseOpenTagsSequential(t *testing.T) {
	text := `<tool>{"name": "a", "arguments": {}}<tool>{"name": "b", "arguments": {}}`

	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls from sequential open tags, got %d: %+v", len(calls), calls)
	}
}

func TestParseBarePayload(t *testing.T) {
	text := `Sure, here you go: {"name": "list_dir", "arguments": {"path": "."}} -- let me know if that helps.`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "list_dir" {
		t.Errorf("Name = %q, want list_dir", calls[0].Name)
	}
}

func TestParseBarePayloadArray(t *testing.T) {
	text := `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {"x": 1}}]`

	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %+v", len(calls), calls)
	}
}

func TestParseArgumentsAsJSONString(t *testing.T) {
	text := `{"name": "search", "arguments": "{\"query\": \"weather\"}"}`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0].Arguments, map[string]any{"query": "weather"}) {
		t.Errorf("Arguments = %+v", calls[0].Arguments)
	}
}

func TestParseArgumentsAsNonJSONString(t *testing.T) {
	text := `{"name": "search", "arguments": "not json"}`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0].Arguments, map[string]any{"raw": "not json"}) {
		t.Errorf("Arguments = %+v", calls[0].Arguments)
	}
}

func TestParseIgnoresBracketsInsideStrings(t *testing.T) {
	text := `noise { before {"name": "echo", "arguments": {"text": "a } b [ c"}} after`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
	}
	if calls[0].Arguments["text"] != "a } b [ c" {
		t.Errorf("Arguments[text] = %v", calls[0].Arguments["text"])
	}
}

func TestParseMissingNameOrArguments(t *testing.T) {
	if calls := Parse(`{"name": "only_name"}`); len(calls) != 0 {
		t.Errorf("expected no calls without arguments, got %+v", calls)
	}
	if calls := Parse(`{"arguments": {}}`); len(calls) != 0 {
		t.Errorf("expected no calls without name, got %+v", calls)
	}
}

func TestParseEmptyText(t *testing.T) {
	if calls := Parse(""); calls != nil {
		t.Errorf("expected nil for empty text, got %+v", calls)
	}
}

func TestParseNoToolCall(t *testing.T) {
	if calls := Parse("just a plain response with no tool calls"); len(calls) != 0 {
		t.Errorf("expected no calls, got %+v", calls)
	}
}
