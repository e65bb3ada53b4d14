// ABOUTME: Request/response shapes the core exchanges with its caller (spec §6.1, §6.2).
package orchestrator

import "github.com/brassloop/conductor/eventmodel"

// Attachment is one file or image attached to a request.
type Attachment struct {
	Type     string // "file" | "image"
	Name     string
	Content  string
	MimeType string
}

// PreparedRequest is the input to one reason-act loop run (spec §4.10, §6.1).
type PreparedRequest struct {
	UserID          string
	SessionID       string
	Question        string
	ToolNames       []string // nil = all available; empty slice = no tools
	ModelName       string
	ConfigOverrides map[string]any
	Attachments     []Attachment
	Stream          bool
}

// Response is the unary result of one loop run (spec §6.2). Streaming callers
// instead consume events via the streambus.Stream attached to the session.
type Response struct {
	SessionID string
	Answer    string
	Usage     *eventmodel.Usage
	UID       string
	A2UI      []map[string]any
}
