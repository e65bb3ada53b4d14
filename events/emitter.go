// ABOUTME: Per-session event emitter: stamps monotonic event_ids and fans each event out to the monitor and, if present, the stream bus.
// ABOUTME: Safe to call from off-loop goroutines (tool callbacks); ordering is serialized by an internal mutex.
package events

import (
	"sync"
	"time"

	"github.com/brassloop/conductor/eventmodel"
)

// Monitor is the minimal surface the emitter needs from the session monitor,
// kept small here (rather than importing the monitor package directly) to
// avoid coupling the emitter's compile unit to monitor's full API surface.
type Monitor interface {
	RecordEvent(ev eventmodel.Event)
}

// Sink is the minimal surface the emitter needs from a stream bus.
type Sink interface {
	Push(ev eventmodel.Event)
	Finish()
}

// Emitter stamps and publishes events for one session (spec §4.12, C12).
type Emitter struct {
	mu        sync.Mutex
	sessionID string
	nextID    int64
	monitor   Monitor
	sink      Sink
}

// New constructs an Emitter for sessionID. sink may be nil for a unary
// (non-streaming) request, in which case events are recorded to the
// monitor only.
func New(sessionID string, monitor Monitor, sink Sink) *Emitter {
	return &Emitter{sessionID: sessionID, monitor: monitor, sink: sink}
}

// Emit stamps data as a new event of the given type and publishes it.
func (e *Emitter) Emit(eventType eventmodel.Type, data map[string]any) eventmodel.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	ev := eventmodel.Event{
		EventID:   e.nextID,
		SessionID: e.sessionID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if e.monitor != nil {
		e.monitor.RecordEvent(ev)
	}
	if e.sink != nil {
		e.sink.Push(ev)
	}
	return ev
}

// Finish pushes the sentinel to the stream bus, if one is attached.
func (e *Emitter) Finish() {
	if e.sink != nil {
		e.sink.Finish()
	}
}
