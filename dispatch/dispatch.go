// ABOUTME: Tool Dispatcher (C9): resolves a tool name through the fixed precedence order and invokes the matching executor.
// ABOUTME: Emits tool_call/tool_result around every dispatch, including the denied path for disallowed tools (spec §4.9).
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brassloop/conductor/eventmodel"
)

// AliasBinding is one user-tool alias entry (spec §3 supplemented feature,
// grounded on original_source's UserToolBindings): a user-scoped name that
// resolves to a skill, a knowledge base, or an MCP tool before the host-skill
// registry is consulted.
type AliasBinding struct {
	Kind   string // "skill" | "knowledge" | "mcp"
	Target string
}

// Executor runs one tool invocation and returns its result payload.
type Executor func(ctx context.Context, args map[string]any) (data any, err error)

// SkillRegistry resolves a host-skill name to an Executor.
type SkillRegistry interface {
	Resolve(name string) (Executor, bool)
}

// MCPClient delegates a call to an MCP server/tool pair.
type MCPClient interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// A2AClient delegates a call to an Agent-to-Agent service.
type A2AClient interface {
	Call(ctx context.Context, service string, args map[string]any) (any, error)
}

// SandboxClient executes a sandbox-eligible built-in in an isolated runtime.
type SandboxClient interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
}

// SandboxReleaser releases a per-session sandbox after a tool call
// completes. Release is best-effort; failures are swallowed by the caller
// (spec §5 "Timeouts": "Sandbox release after a tool is a best-effort call").
type SandboxReleaser interface {
	Release(ctx context.Context, sessionID string) error
}

// NoopSandboxReleaser is the default SandboxReleaser when no sandbox backend
// is configured, matching the teacher's interface-for-optional-collaborator
// style (agent/tools.go's ExecutionEnvironment had the same no-op shape).
type NoopSandboxReleaser struct{}

// Release does nothing.
func (NoopSandboxReleaser) Release(ctx context.Context, sessionID string) error { return nil }

// Emitter is the minimal surface Dispatch needs to publish tool_call/tool_result.
type Emitter interface {
	Emit(eventType eventmodel.Type, data map[string]any) eventmodel.Event
}

// Result is the outcome of one dispatched (or denied) tool call.
type Result struct {
	Tool    string
	OK      bool
	Data    any
	Error   string
	Sandbox string
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithSkillRegistry registers the host-skill registry (resolution step 3).
func WithSkillRegistry(r SkillRegistry) Option { return func(d *Dispatcher) { d.skills = r } }

// WithMCPClient registers the MCP delegate (resolution step 4).
func WithMCPClient(c MCPClient) Option { return func(d *Dispatcher) { d.mcp = c } }

// WithA2AClient registers the A2A delegate (resolution step 5).
func WithA2AClient(c A2AClient) Option { return func(d *Dispatcher) { d.a2a = c } }

// WithSandboxClient registers the sandbox delegate and the sandbox-eligible
// tool allow-list consulted at resolution step 6.
func WithSandboxClient(c SandboxClient, mode string, allowlist []string) Option {
	return func(d *Dispatcher) {
		d.sandbox = c
		d.sandboxMode = mode
		d.sandboxAllow = toSet(allowlist)
	}
}

// WithSandboxReleaser overrides the default no-op releaser.
func WithSandboxReleaser(r SandboxReleaser) Option { return func(d *Dispatcher) { d.releaser = r } }

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

// Dispatcher resolves tool names through the fixed precedence order and
// invokes the matching executor (spec §4.9, C9). Sentinel tools
// (final_response, a2ui) are never passed here; the reason-act loop handles
// them directly.
type Dispatcher struct {
	builtin      map[string]Executor
	skills       SkillRegistry
	mcp          MCPClient
	a2a          A2AClient
	sandbox      SandboxClient
	sandboxMode  string
	sandboxAllow map[string]bool
	releaser     SandboxReleaser
}

// New constructs a Dispatcher with the given built-in registry (resolution
// step 7, the final fallback) and optional collaborators.
func New(builtin map[string]Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{builtin: builtin, releaser: NoopSandboxReleaser{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deny emits the tool_call/tool_result pair for a tool that is not in the
// request's allowed set (spec §4.9 "Disallowed tools"). The observation is
// still injected by the caller so the model sees the denial.
func (d *Dispatcher) Deny(emitter Emitter, tool string, args map[string]any) Result {
	emitter.Emit(eventmodel.TypeToolCall, map[string]any{"tool": tool, "args": args})
	result := Result{Tool: tool, OK: false, Error: "tool disabled or unavailable"}
	emitter.Emit(eventmodel.TypeToolResult, resultEventData(result))
	return result
}

// Dispatch resolves name through the precedence order (user alias map →
// host-skill registry → MCP → A2A → sandbox-eligible built-in → built-in
// registry) and invokes it, emitting tool_call before and tool_result after.
func (d *Dispatcher) Dispatch(ctx context.Context, emitter Emitter, sessionID, name string, args map[string]any, aliases map[string]AliasBinding) Result {
	emitter.Emit(eventmodel.TypeToolCall, map[string]any{"tool": name, "args": args})

	result := d.resolveAndRun(ctx, sessionID, name, args, aliases)
	emitter.Emit(eventmodel.TypeToolResult, resultEventData(result))
	return result
}

func resultEventData(r Result) map[string]any {
	data := map[string]any{"tool": r.Tool, "ok": r.OK}
	if r.Data != nil {
		data["data"] = r.Data
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	if r.Sandbox != "" {
		data["sandbox"] = r.Sandbox
	}
	return data
}

func (d *Dispatcher) resolveAndRun(ctx context.Context, sessionID, name string, args map[string]any, aliases map[string]AliasBinding) Result {
	// 2. User alias map.
	if binding, ok := aliases[name]; ok {
		return d.runAlias(ctx, name, binding, args)
	}

	// 3. Host-skill registry.
	if d.skills != nil {
		if exec, ok := d.skills.Resolve(name); ok {
			return d.run(ctx, name, exec, args)
		}
	}

	// 4. MCP tool: name contains '@' (names with the "a2a@" prefix go to step 5).
	if server, tool, ok := splitMCPName(name); ok && !strings.HasPrefix(name, "a2a@") {
		if d.mcp == nil {
			return notFound(name)
		}
		data, err := d.mcp.Call(ctx, server, tool, args)
		return toResult(name, data, err)
	}

	// 5. A2A tool: name starts with "a2a@".
	if strings.HasPrefix(name, "a2a@") {
		service := strings.TrimPrefix(name, "a2a@")
		if d.a2a == nil {
			return notFound(name)
		}
		data, err := d.a2a.Call(ctx, service, args)
		return toResult(name, data, err)
	}

	// 6. Sandbox-eligible built-in.
	if d.sandboxMode == "sandbox" && d.sandboxAllow[name] && d.sandbox != nil {
		data, err := d.sandbox.Call(ctx, name, args)
		res := toResult(name, data, err)
		res.Sandbox = "sandbox"
		return res
	}

	// 7. Built-in tool registry.
	if exec, ok := d.builtin[name]; ok {
		return d.run(ctx, name, exec, args)
	}

	return notFound(name)
}

func (d *Dispatcher) runAlias(ctx context.Context, name string, binding AliasBinding, args map[string]any) Result {
	switch binding.Kind {
	case "mcp":
		server, tool, ok := splitMCPName(binding.Target)
		if !ok || d.mcp == nil {
			return notFound(name)
		}
		data, err := d.mcp.Call(ctx, server, tool, args)
		return toResult(name, data, err)
	case "skill":
		if d.skills == nil {
			return notFound(name)
		}
		if exec, ok := d.skills.Resolve(binding.Target); ok {
			return d.run(ctx, name, exec, args)
		}
		return notFound(name)
	case "knowledge":
		if exec, ok := d.builtin[binding.Target]; ok {
			return d.run(ctx, name, exec, args)
		}
		return notFound(name)
	default:
		return notFound(name)
	}
}

func (d *Dispatcher) run(ctx context.Context, name string, exec Executor, args map[string]any) Result {
	data, err := exec(ctx, args)
	return toResult(name, data, err)
}

func toResult(name string, data any, err error) Result {
	if err != nil {
		return Result{Tool: name, OK: false, Error: err.Error()}
	}
	return Result{Tool: name, OK: true, Data: data}
}

func notFound(name string) Result {
	return Result{Tool: name, OK: false, Error: fmt.Sprintf("tool %q not found", name)}
}

func splitMCPName(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, "@")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// ReleaseSandbox releases the per-session sandbox after a tool dispatch, per
// spec §4.10's "maybe release per-session sandbox" loop step. Failures are
// swallowed; the caller does not need to check the error.
func (d *Dispatcher) ReleaseSandbox(ctx context.Context, sessionID string) {
	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = d.releaser.Release(releaseCtx, sessionID)
}
