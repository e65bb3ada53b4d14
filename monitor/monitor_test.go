// ABOUTME: Tests for the session monitor's registration, event recording, and lifecycle transitions.
// ABOUTME: Covers per-user exclusivity, terminal-state idempotence, and forced-cancel tracking.

package monitor

import (
	"path/filepath"
	"testing"

	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/store"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m, err := New(st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestTryRegisterExclusivity(t *testing.T) {
	m := newTestMonitor(t)

	if !m.TryRegister("s1", "u1", "hello") {
		t.Fatal("expected first registration to succeed")
	}
	if m.TryRegister("s2", "u1", "hello again") {
		t.Fatal("expected second registration for the same active user to fail")
	}
}

func TestTryRegisterAllowsAfterTerminal(t *testing.T) {
	m := newTestMonitor(t)

	if !m.TryRegister("s1", "u1", "hello") {
		t.Fatal("expected first registration to succeed")
	}
	m.MarkFinished("s1")

	if !m.TryRegister("s2", "u1", "next") {
		t.Fatal("expected registration to succeed once the prior session is terminal")
	}
}

func TestRecordEventDerivesStage(t *testing.T) {
	m := newTestMonitor(t)
	m.TryRegister("s1", "u1", "hello")

	m.RecordEvent(eventmodel.Event{
		SessionID: "s1", Type: eventmodel.TypeToolCall,
		Data: map[string]any{"tool": "search"},
	})

	rec, ok := m.Get("s1")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Stage != "tool_call" {
		t.Errorf("Stage = %q, want tool_call", rec.Stage)
	}
	if rec.Summary != "call(search)" {
		t.Errorf("Summary = %q, want call(search)", rec.Summary)
	}
}

func TestRecordEventIgnoredAfterTerminal(t *testing.T) {
	m := newTestMonitor(t)
	m.TryRegister("s1", "u1", "hello")
	m.MarkFinished("s1")

	m.RecordEvent(eventmodel.Event{SessionID: "s1", Type: eventmodel.TypeToolCall, Data: map[string]any{"tool": "x"}})

	rec, _ := m.Get("s1")
	if len(rec.Events) != 0 {
		t.Errorf("expected no events recorded after terminal status, got %d", len(rec.Events))
	}
}

func TestMarkFinishedIsTerminalOnce(t *testing.T) {
	m := newTestMonitor(t)
	m.TryRegister("s1", "u1", "hello")
	m.MarkFinished("s1")
	m.MarkError("s1", "should not apply")

	rec, _ := m.Get("s1")
	if rec.Status != eventmodel.StatusFinished {
		t.Errorf("Status = %q, want finished (terminal transitions are final)", rec.Status)
	}
}

func TestCancelSetsFlagAndStage(t *testing.T) {
	m := newTestMonitor(t)
	m.TryRegister("s1", "u1", "hello")
	m.Cancel("s1")

	rec, _ := m.Get("s1")
	if !rec.CancelRequested {
		t.Error("expected CancelRequested = true")
	}
	if rec.Status != eventmodel.StatusCancelling {
		t.Errorf("Status = %q, want cancelling", rec.Status)
	}
	if !m.IsCancelled("s1") {
		t.Error("expected IsCancelled(s1) = true")
	}
}

func TestPurgeUserSessionsForcesCancel(t *testing.T) {
	m := newTestMonitor(t)
	m.TryRegister("s1", "u1", "hello")

	m.PurgeUserSessions("u1")

	if _, ok := m.Get("s1"); ok {
		t.Error("expected record removed after purge")
	}
	if !m.IsCancelled("s1") {
		t.Error("expected forced-cancel entry to report cancelled")
	}
}

func TestEventRingBoundedCapacity(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	m, err := New(st, WithEventLimit(3))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.TryRegister("s1", "u1", "hello")

	for i := 0; i < 10; i++ {
		m.RecordEvent(eventmodel.Event{SessionID: "s1", Type: eventmodel.TypeProgress})
	}

	rec, _ := m.Get("s1")
	if len(rec.Events) != 3 {
		t.Errorf("expected ring capped at 3, got %d", len(rec.Events))
	}
}
