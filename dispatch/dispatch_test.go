package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/brassloop/conductor/eventmodel"
)

type recordingEmitter struct {
	events []eventmodel.Event
}

func (r *recordingEmitter) Emit(eventType eventmodel.Type, data map[string]any) eventmodel.Event {
	ev := eventmodel.Event{Type: eventType, Data: data}
	r.events = append(r.events, ev)
	return ev
}

func TestDispatchBuiltinSuccess(t *testing.T) {
	builtin := map[string]Executor{
		"read": func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"content": "hello"}, nil
		},
	}
	d := New(builtin)
	emitter := &recordingEmitter{}

	result := d.Dispatch(context.Background(), emitter, "s1", "read", map[string]any{"path": "a.txt"}, nil)
	if !result.OK {
		t.Fatalf("expected OK result, got %+v", result)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected tool_call + tool_result events, got %d", len(emitter.events))
	}
	if emitter.events[0].Type != eventmodel.TypeToolCall || emitter.events[1].Type != eventmodel.TypeToolResult {
		t.Errorf("unexpected event types: %+v", emitter.events)
	}
}

func TestDispatchBuiltinError(t *testing.T) {
	builtin := map[string]Executor{
		"fail": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	d := New(builtin)
	emitter := &recordingEmitter{}

	result := d.Dispatch(context.Background(), emitter, "s1", "fail", nil, nil)
	if result.OK || result.Error != "boom" {
		t.Errorf("expected failed result with 'boom', got %+v", result)
	}
}

func TestDispatchUnknownToolNotFound(t *testing.T) {
	d := New(map[string]Executor{})
	emitter := &recordingEmitter{}

	result := d.Dispatch(context.Background(), emitter, "s1", "ghost", nil, nil)
	if result.OK {
		t.Error("expected not-found result to be non-OK")
	}
}

func TestDenyEmitsDisabledError(t *testing.T) {
	d := New(map[string]Executor{})
	emitter := &recordingEmitter{}

	result := d.Deny(emitter, "write", map[string]any{"path": "x"})
	if result.OK || result.Error != "tool disabled or unavailable" {
		t.Errorf("unexpected deny result: %+v", result)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected tool_call + tool_result events, got %d", len(emitter.events))
	}
}

type fakeMCP struct {
	gotServer, gotTool string
}

func (f *fakeMCP) Call(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	f.gotServer, f.gotTool = server, tool
	return "ok", nil
}

func TestDispatchMCPSplitsServerAndTool(t *testing.T) {
	mcp := &fakeMCP{}
	d := New(map[string]Executor{}, WithMCPClient(mcp))
	emitter := &recordingEmitter{}

	result := d.Dispatch(context.Background(), emitter, "s1", "github@list_issues", nil, nil)
	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}
	if mcp.gotServer != "github" || mcp.gotTool != "list_issues" {
		t.Errorf("expected split (github, list_issues), got (%s, %s)", mcp.gotServer, mcp.gotTool)
	}
}

func TestDispatchAliasResolvesBeforeBuiltin(t *testing.T) {
	called := false
	builtin := map[string]Executor{
		"search": func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return "builtin", nil
		},
	}
	mcp := &fakeMCP{}
	d := New(builtin, WithMCPClient(mcp))
	emitter := &recordingEmitter{}

	aliases := map[string]AliasBinding{"search": {Kind: "mcp", Target: "kb@search"}}
	result := d.Dispatch(context.Background(), emitter, "s1", "search", nil, aliases)
	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}
	if called {
		t.Error("expected alias to shadow the builtin of the same name")
	}
	if mcp.gotServer != "kb" || mcp.gotTool != "search" {
		t.Errorf("expected alias target split (kb, search), got (%s, %s)", mcp.gotServer, mcp.gotTool)
	}
}

type fakeSandbox struct{ called bool }

func (f *fakeSandbox) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	f.called = true
	return "sandboxed", nil
}

func TestDispatchSandboxEligibleBuiltinRoutesToSandbox(t *testing.T) {
	sb := &fakeSandbox{}
	builtin := map[string]Executor{
		"execute": func(ctx context.Context, args map[string]any) (any, error) {
			t.Fatal("builtin executor should not run when sandbox mode is active")
			return nil, nil
		},
	}
	d := New(builtin, WithSandboxClient(sb, "sandbox", []string{"execute"}))
	emitter := &recordingEmitter{}

	result := d.Dispatch(context.Background(), emitter, "s1", "execute", nil, nil)
	if !result.OK || result.Sandbox != "sandbox" {
		t.Errorf("expected sandboxed OK result, got %+v", result)
	}
	if !sb.called {
		t.Error("expected sandbox client to be invoked")
	}
}
