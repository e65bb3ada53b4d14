package history

import (
	"path/filepath"
	"testing"

	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/workspace"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ws := workspace.New(t.TempDir(), st)
	t.Cleanup(func() { _ = ws.Close() })
	return New(ws, nil), st
}

func TestLoadContextDropsSystemRowsAndCutsAtSummary(t *testing.T) {
	m, st := newTestManager(t)

	mustAppend := func(row store.ChatRow) {
		if _, err := st.AppendChat(row); err != nil {
			t.Fatalf("AppendChat() error = %v", err)
		}
	}

	mustAppend(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "system", Content: "old system prompt", Timestamp: 1})
	mustAppend(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "user", Content: "old question", Timestamp: 2})
	mustAppend(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "assistant", Content: "old answer", Timestamp: 3})
	mustAppend(store.ChatRow{
		UserID: "u1", SessionID: "s1", Role: "system", Content: "[compaction-summary]\nearlier work summarized",
		Meta: map[string]any{"type": CompactionMetaType, "compacted_until_ts": float64(3)}, Timestamp: 4,
	})
	mustAppend(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "user", Content: "new question", Timestamp: 5})
	mustAppend(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "assistant", Content: "new answer", Timestamp: 6})

	messages, err := m.LoadContext("u1", "s1", 100)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}

	if len(messages) == 0 || messages[0].Role != "system" {
		t.Fatalf("expected first message to be the summary system message, got %+v", messages)
	}
	if messages[0].TextContent() == "old system prompt" {
		t.Error("expected dropped pre-existing system row, not summary-carried")
	}

	for _, msg := range messages[1:] {
		if msg.Role == "system" {
			continue // artifact index block, also system
		}
		if msg.TextContent() == "old question" || msg.TextContent() == "old answer" {
			t.Errorf("expected rows covered by the summary cutoff to be dropped, found %q", msg.TextContent())
		}
	}

	var sawNewQuestion, sawNewAnswer bool
	for _, msg := range messages {
		switch msg.TextContent() {
		case "new question":
			sawNewQuestion = true
		case "new answer":
			sawNewAnswer = true
		}
	}
	if !sawNewQuestion || !sawNewAnswer {
		t.Errorf("expected retained post-cutoff rows in output, got %+v", messages)
	}
}

func TestToolRowBecomesObservationPrefixedUserMessage(t *testing.T) {
	m, st := newTestManager(t)
	if _, err := st.AppendChat(store.ChatRow{UserID: "u1", SessionID: "s1", Role: "tool", Content: `{"ok":true}`, Timestamp: 1}); err != nil {
		t.Fatalf("AppendChat() error = %v", err)
	}

	messages, err := m.LoadContext("u1", "s1", 100)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	found := false
	for _, msg := range messages {
		if msg.Role == "user" && msg.TextContent() == ObservationPrefix+`{"ok":true}` {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an observation-prefixed user message, got %+v", messages)
	}
}

func TestArtifactIndexBlockCategorizesAndDedups(t *testing.T) {
	m, st := newTestManager(t)
	mustArtifact := func(row store.ArtifactLogRow) {
		if err := st.AppendArtifactLog(row); err != nil {
			t.Fatalf("AppendArtifactLog() error = %v", err)
		}
	}
	mustArtifact(store.ArtifactLogRow{SessionID: "s1", Kind: "file", Action: "read", Name: "a.go", OK: true, Timestamp: 1})
	mustArtifact(store.ArtifactLogRow{SessionID: "s1", Kind: "file", Action: "read", Name: "a.go", OK: true, Timestamp: 2})
	mustArtifact(store.ArtifactLogRow{SessionID: "s1", Kind: "file", Action: "edit", Name: "b.go", OK: true, Timestamp: 3})
	mustArtifact(store.ArtifactLogRow{SessionID: "s1", Kind: "command", Name: "go test ./...", OK: false, Timestamp: 4})

	block, err := m.ArtifactIndexBlock("s1")
	if err != nil {
		t.Fatalf("ArtifactIndexBlock() error = %v", err)
	}
	if block == "" {
		t.Fatal("expected a non-empty artifact index block")
	}
	if got := count(block, "a.go"); got != 1 {
		t.Errorf("expected a.go deduped to one mention, got %d in %q", got, block)
	}
	if !contains(block, "b.go(edit)") {
		t.Errorf("expected file-change entry b.go(edit), got %q", block)
	}
	if !contains(block, "failures") {
		t.Errorf("expected a failures category for the failed command, got %q", block)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func count(haystack, needle string) int {
	n := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			n++
			i += len(needle) - 1
		}
	}
	return n
}
