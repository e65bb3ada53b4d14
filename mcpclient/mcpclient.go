// ABOUTME: Adapter implementing dispatch.MCPClient over the official modelcontextprotocol/go-sdk, connecting lazily per named server.
// ABOUTME: Server addresses come from config.ToolsConfig.MCPServers; sessions are cached and reused across calls.
package mcpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brassloop/conductor/dispatch"
)

// Adapter implements dispatch.MCPClient by speaking the MCP streamable-HTTP
// transport to the servers named in config.ToolsConfig.MCPServers.
type Adapter struct {
	implementation *mcp.Implementation
	servers        map[string]string // name -> address

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
}

var _ dispatch.MCPClient = (*Adapter)(nil)

// New constructs an Adapter. servers maps a logical MCP server name (as used
// in dispatch's "server.tool" precedence resolution) to its HTTP address.
func New(clientName, clientVersion string, servers map[string]string) *Adapter {
	return &Adapter{
		implementation: &mcp.Implementation{Name: clientName, Version: clientVersion},
		servers:        servers,
		sessions:       make(map[string]*mcp.ClientSession),
	}
}

// Call invokes tool on server, connecting and caching the session on first
// use (spec §4.9's MCP tool-dispatch path).
func (a *Adapter) Call(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	session, err := a.session(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect %s: %w", server, err)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s.%s: %w", server, tool, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp: %s.%s returned an error result: %s", server, tool, contentText(result.Content))
	}
	return contentText(result.Content), nil
}

func (a *Adapter) session(ctx context.Context, server string) (*mcp.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[server]; ok {
		return s, nil
	}

	addr, ok := a.servers[server]
	if !ok {
		return nil, fmt.Errorf("unknown mcp server %q", server)
	}

	client := mcp.NewClient(a.implementation, nil)
	transport := mcp.NewStreamableClientTransport(addr, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}

	a.sessions[server] = session
	return session, nil
}

// Close tears down every cached session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for name, s := range a.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close %s: %w", name, err)
		}
		delete(a.sessions, name)
	}
	return firstErr
}

func contentText(content []mcp.Content) string {
	var out string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			out += t.Text
		}
	}
	return out
}
