// ABOUTME: Tests for the stream event bus's queue delivery, overflow spill, and replay ordering.
// ABOUTME: Validates strictly ascending event_id delivery even under forced overflow.

package streambus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/store"
)

func newTestStream(t *testing.T, opts ...Option) *Stream {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, "s1", "u1", opts...)
}

func TestPushAndConsumeInOrder(t *testing.T) {
	s := newTestStream(t, WithPollInterval(10*time.Millisecond))

	go func() {
		for i := int64(1); i <= 5; i++ {
			s.Push(eventmodel.Event{SessionID: "s1", EventID: i, Type: eventmodel.TypeProgress})
		}
		s.Finish()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []int64
	err := s.Consume(ctx, func(ev eventmodel.Event) error {
		got = append(got, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d: %v", len(got), got)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Errorf("event %d has id %d, want %d", i, id, i+1)
		}
	}
}

func TestOverflowSpillAndReplay(t *testing.T) {
	s := newTestStream(t, WithQueueSize(1), WithPollInterval(5*time.Millisecond))

	for i := int64(1); i <= 20; i++ {
		s.Push(eventmodel.Event{SessionID: "s1", EventID: i, Type: eventmodel.TypeProgress})
	}
	s.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []int64
	err := s.Consume(ctx, func(ev eventmodel.Event) error {
		got = append(got, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	// Every event must have been delivered exactly once, strictly ascending.
	seen := map[int64]bool{}
	for i, id := range got {
		if seen[id] {
			t.Errorf("duplicate delivery of event %d", id)
		}
		seen[id] = true
		if i > 0 && id <= got[i-1] {
			t.Errorf("out-of-order delivery: %d after %d", id, got[i-1])
		}
	}
	for i := int64(1); i <= 20; i++ {
		if !seen[i] {
			t.Errorf("event %d was never delivered", i)
		}
	}
}

func TestConsumeStopsOnYieldError(t *testing.T) {
	s := newTestStream(t, WithPollInterval(5*time.Millisecond))

	go func() {
		for i := int64(1); i <= 5; i++ {
			s.Push(eventmodel.Event{SessionID: "s1", EventID: i, Type: eventmodel.TypeProgress})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wantErr := errors.New("stop")
	count := 0
	err := s.Consume(ctx, func(ev eventmodel.Event) error {
		count++
		if count == 2 {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Consume() error = %v, want %v", err, wantErr)
	}
}
