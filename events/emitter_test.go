// ABOUTME: Tests for the event emitter's monotonic id stamping and monitor/sink fan-out.
// ABOUTME: Validates that a nil sink is tolerated and that event ids strictly increase.

package events

import (
	"testing"

	"github.com/brassloop/conductor/eventmodel"
)

type fakeMonitor struct {
	recorded []eventmodel.Event
}

func (f *fakeMonitor) RecordEvent(ev eventmodel.Event) {
	f.recorded = append(f.recorded, ev)
}

type fakeSink struct {
	pushed   []eventmodel.Event
	finished bool
}

func (f *fakeSink) Push(ev eventmodel.Event) { f.pushed = append(f.pushed, ev) }
func (f *fakeSink) Finish()                  { f.finished = true }

func TestEmitStampsMonotonicIDs(t *testing.T) {
	m := &fakeMonitor{}
	s := &fakeSink{}
	e := New("sess-1", m, s)

	first := e.Emit(eventmodel.TypeProgress, nil)
	second := e.Emit(eventmodel.TypeLLMOutput, map[string]any{"content": "hi"})

	if first.EventID != 1 || second.EventID != 2 {
		t.Errorf("EventIDs = %d, %d, want 1, 2", first.EventID, second.EventID)
	}
	if len(m.recorded) != 2 || len(s.pushed) != 2 {
		t.Fatalf("expected both monitor and sink to receive 2 events, got %d/%d", len(m.recorded), len(s.pushed))
	}
}

func TestEmitToleratesNilSink(t *testing.T) {
	m := &fakeMonitor{}
	e := New("sess-1", m, nil)

	ev := e.Emit(eventmodel.TypeFinal, nil)
	if ev.EventID != 1 {
		t.Errorf("EventID = %d, want 1", ev.EventID)
	}
	e.Finish() // must not panic with a nil sink
}

func TestFinishPushesSentinelToSink(t *testing.T) {
	s := &fakeSink{}
	e := New("sess-1", nil, s)
	e.Finish()

	if !s.finished {
		t.Error("expected Finish to propagate to the sink")
	}
}
