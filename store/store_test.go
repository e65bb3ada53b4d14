// ABOUTME: Tests for the SQLite storage gateway: locks, chat history, overflow, and memory records.
// ABOUTME: Each test opens a fresh temp-file database so schema creation and concurrency paths are exercised.

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/brassloop/conductor/eventmodel"
)

func eventmodelUsage(input, output int) eventmodel.Usage {
	return eventmodel.Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndLoadHistory(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AppendChat(ChatRow{UserID: "u1", SessionID: "s1", Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AppendChat() error = %v", err)
	}
	if _, err := s.AppendChat(ChatRow{UserID: "u1", SessionID: "s1", Role: "assistant", Content: "hi there"}); err != nil {
		t.Fatalf("AppendChat() error = %v", err)
	}

	rows, err := s.LoadHistory("u1", "s1", 0)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Content != "hello" || rows[1].Content != "hi there" {
		t.Errorf("unexpected row order: %+v", rows)
	}
}

func TestLoadHistoryTailLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.AppendChat(ChatRow{UserID: "u1", SessionID: "s1", Role: "user", Content: "msg"}); err != nil {
			t.Fatalf("AppendChat() error = %v", err)
		}
	}

	rows, err := s.LoadHistory("u1", "s1", 2)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected tail limit of 2, got %d", len(rows))
	}
}

func TestSystemPromptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSessionSystemPrompt("u1", "s1", "you are helpful", "en"); err != nil {
		t.Fatalf("SaveSessionSystemPrompt() error = %v", err)
	}

	row, ok, err := s.LoadSessionSystemPrompt("u1", "s1")
	if err != nil {
		t.Fatalf("LoadSessionSystemPrompt() error = %v", err)
	}
	if !ok {
		t.Fatal("expected a system prompt row")
	}
	if row.Content != "you are helpful" {
		t.Errorf("Content = %q", row.Content)
	}
	if row.Meta["language"] != "en" {
		t.Errorf("Meta[language] = %v", row.Meta["language"])
	}
}

func TestTryAcquireLockUserExclusivity(t *testing.T) {
	s := newTestStore(t)

	first, err := s.TryAcquireLock("sess-a", "u1", 10, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock() error = %v", err)
	}
	if !first.Acquired {
		t.Fatalf("expected first acquire to succeed, got %+v", first)
	}

	second, err := s.TryAcquireLock("sess-b", "u1", 10, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock() error = %v", err)
	}
	if !second.UserBusy {
		t.Errorf("expected user_busy for a second session of the same user, got %+v", second)
	}
}

func TestTryAcquireLockGlobalCap(t *testing.T) {
	s := newTestStore(t)

	first, err := s.TryAcquireLock("sess-a", "u1", 1, time.Minute)
	if err != nil || !first.Acquired {
		t.Fatalf("TryAcquireLock() = %+v, err = %v", first, err)
	}

	second, err := s.TryAcquireLock("sess-b", "u2", 1, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock() error = %v", err)
	}
	if !second.GlobalBusy {
		t.Errorf("expected global_busy at cap 1, got %+v", second)
	}
}

func TestTryAcquireLockExpiredRowsPurged(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.TryAcquireLock("sess-a", "u1", 10, -time.Second); err != nil {
		t.Fatalf("TryAcquireLock() error = %v", err)
	}

	// The first lock's TTL is already in the past; the same user acquiring
	// for another session purges the expired row and succeeds instead of
	// being reported busy.
	result, err := s.TryAcquireLock("sess-b", "u1", 10, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock() error = %v", err)
	}
	if !result.Acquired {
		t.Errorf("expected reacquire after expiry, got %+v", result)
	}
}

func TestReleaseLockIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReleaseLock("never-acquired"); err != nil {
		t.Errorf("ReleaseLock() on absent row should be a no-op, got error %v", err)
	}
}

func TestStreamOverflowRoundTrip(t *testing.T) {
	s := newTestStore(t)

	for i := int64(1); i <= 3; i++ {
		if err := s.AppendStreamOverflow("s1", i, "u1", `{"type":"progress"}`); err != nil {
			t.Fatalf("AppendStreamOverflow() error = %v", err)
		}
	}

	events, err := s.FetchStreamOverflow("s1", 0, 10)
	if err != nil {
		t.Fatalf("FetchStreamOverflow() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.EventID != int64(i+1) {
			t.Errorf("event %d has EventID %d, want %d", i, e.EventID, i+1)
		}
	}

	tail, err := s.FetchStreamOverflow("s1", 1, 10)
	if err != nil {
		t.Fatalf("FetchStreamOverflow() error = %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("expected 2 events after cursor 1, got %d", len(tail))
	}
}

func TestMemoryRecordEviction(t *testing.T) {
	s := newTestStore(t)

	base := float64(time.Now().Unix())
	for i := 0; i < 5; i++ {
		rec := MemoryRecord{
			UserID: "u1", SessionID: sessionName(i), Summary: "summary",
			CreatedTime: base + float64(i), UpdatedTime: base + float64(i),
		}
		if err := s.UpsertMemoryRecord(rec, 3); err != nil {
			t.Fatalf("UpsertMemoryRecord() error = %v", err)
		}
	}

	records, err := s.ListMemoryRecords("u1")
	if err != nil {
		t.Fatalf("ListMemoryRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected cap of 3 records, got %d", len(records))
	}
	// The three most recently updated sessions should survive.
	for _, r := range records {
		if r.SessionID == sessionName(0) || r.SessionID == sessionName(1) {
			t.Errorf("expected oldest records evicted, found %q", r.SessionID)
		}
	}
}

func sessionName(i int) string {
	return []string{"s0", "s1", "s2", "s3", "s4"}[i]
}

func TestMetaIncrement(t *testing.T) {
	s := newTestStore(t)

	total, err := s.MetaIncrement("counter", 5)
	if err != nil {
		t.Fatalf("MetaIncrement() error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}

	total, err = s.MetaIncrement("counter", 3)
	if err != nil {
		t.Fatalf("MetaIncrement() error = %v", err)
	}
	if total != 8 {
		t.Errorf("total = %d, want 8", total)
	}
}

func TestAddSessionTokenUsage(t *testing.T) {
	s := newTestStore(t)

	total, err := s.AddSessionTokenUsage("u1", "s1", eventmodelUsage(10, 20))
	if err != nil {
		t.Fatalf("AddSessionTokenUsage() error = %v", err)
	}
	if total.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", total.TotalTokens)
	}

	total, err = s.AddSessionTokenUsage("u1", "s1", eventmodelUsage(5, 5))
	if err != nil {
		t.Fatalf("AddSessionTokenUsage() error = %v", err)
	}
	if total.TotalTokens != 40 {
		t.Errorf("TotalTokens = %d, want 40", total.TotalTokens)
	}
}
