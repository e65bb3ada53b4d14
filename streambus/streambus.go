// ABOUTME: Bounded per-session SSE event queue with automatic overflow spill to durable storage and resequenced replay.
// ABOUTME: The producer never blocks: a full queue spills the event to the store instead of waiting on a slow consumer.
package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/store"
)

const (
	defaultQueueSize   = 256
	defaultFetchLimit  = 200
	defaultEventTTL    = time.Hour
	defaultPollInterval = 200 * time.Millisecond
	gcThrottle         = time.Minute
)

// Stream is a per-session bounded queue plus overflow spill/replay, per spec §4.6.
type Stream struct {
	sessionID    string
	userID       string
	generationID string
	store        *store.Store
	queue        chan eventmodel.Event
	done         chan struct{}
	fetchLimit   int
	eventTTL     time.Duration
	pollInterval time.Duration
	lastGC       time.Time
}

// Option configures a Stream at construction.
type Option func(*Stream)

// WithQueueSize overrides the default 256-capacity bounded queue.
func WithQueueSize(n int) Option {
	return func(s *Stream) {
		s.queue = make(chan eventmodel.Event, n)
	}
}

// WithFetchLimit overrides the overflow batch fetch size (default 200).
func WithFetchLimit(n int) Option { return func(s *Stream) { s.fetchLimit = n } }

// WithEventTTL overrides the overflow row retention window (default 1h).
func WithEventTTL(d time.Duration) Option { return func(s *Stream) { s.eventTTL = d } }

// WithPollInterval overrides the overflow poll interval (default 200ms).
func WithPollInterval(d time.Duration) Option { return func(s *Stream) { s.pollInterval = d } }

// New constructs a Stream for one session's SSE subscribers. A fresh
// generation id is stamped on construction so overflow-spill log lines can be
// correlated to the specific Stream instance that produced them, even if the
// same session_id gets a new Stream across a process restart.
func New(st *store.Store, sessionID, userID string, opts ...Option) *Stream {
	s := &Stream{
		sessionID:    sessionID,
		userID:       userID,
		generationID: uuid.NewString(),
		store:        st,
		queue:        make(chan eventmodel.Event, defaultQueueSize),
		done:         make(chan struct{}),
		fetchLimit:   defaultFetchLimit,
		eventTTL:     defaultEventTTL,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerationID returns this Stream instance's process-local correlation id.
func (s *Stream) GenerationID() string { return s.generationID }

// Push enqueues an event, non-blocking. If the queue is full, the event
// spills to the store's overflow table instead of blocking the producer.
func (s *Stream) Push(ev eventmodel.Event) {
	select {
	case s.queue <- ev:
	default:
		s.spill(ev)
	}
}

func (s *Stream) spill(ev eventmodel.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.store.AppendStreamOverflow(s.sessionID, ev.EventID, s.userID, string(payload)); err != nil {
		_ = s.store.AppendSystemLog("WARN", "stream "+s.generationID+" overflow spill for session "+s.sessionID+": "+err.Error())
	}

	if time.Since(s.lastGC) > gcThrottle {
		s.lastGC = time.Now()
		_ = s.store.GCStreamOverflow(time.Now().Add(-s.eventTTL))
	}
}

// Finish signals no more events will be pushed; the consumer drains once more and exits.
func (s *Stream) Finish() {
	close(s.done)
}

// Consume streams events to yield in strictly ascending event_id order,
// interleaving overflow replay whenever a gap is detected or on each poll
// tick, until Finish is called and the queue drains (spec §4.6).
func (s *Stream) Consume(ctx context.Context, yield func(eventmodel.Event) error) error {
	var lastEventID int64
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	drainOverflow := func(upTo int64) error {
		for {
			rows, err := s.store.FetchStreamOverflow(s.sessionID, lastEventID, s.fetchLimit)
			if err != nil {
				return fmt.Errorf("fetch overflow: %w", err)
			}
			if len(rows) == 0 {
				return nil
			}
			for _, row := range rows {
				if upTo > 0 && row.EventID > upTo {
					return nil
				}
				var ev eventmodel.Event
				if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
					continue
				}
				if err := yield(ev); err != nil {
					return err
				}
				lastEventID = ev.EventID
			}
			if len(rows) < s.fetchLimit {
				return nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.queue:
			if !ok {
				return drainOverflow(0)
			}
			if ev.EventID > lastEventID+1 {
				if err := drainOverflow(ev.EventID - 1); err != nil {
					return err
				}
			}
			if err := yield(ev); err != nil {
				return err
			}
			lastEventID = ev.EventID
		case <-ticker.C:
			// The queue may still hold events older than the spilled rows;
			// replaying overflow now would yield those rows ahead of them, so
			// the timed drain waits until the queue is empty (the gap check
			// above replays the rows in between).
			if len(s.queue) > 0 {
				continue
			}
			if err := drainOverflow(0); err != nil {
				return err
			}
		case <-s.done:
			// Collect whatever is still sitting in the in-memory queue
			// and merge it with any overflowed rows by event_id, since
			// the two can interleave arbitrarily once the queue has been
			// under contention.
			var buffered []eventmodel.Event
			for {
				select {
				case ev, ok := <-s.queue:
					if !ok {
						break
					}
					buffered = append(buffered, ev)
					continue
				default:
				}
				break
			}

			rows, err := s.store.FetchStreamOverflow(s.sessionID, lastEventID, s.fetchLimit*4+len(buffered)+1)
			if err != nil {
				return fmt.Errorf("fetch overflow: %w", err)
			}
			var overflowed []eventmodel.Event
			for _, row := range rows {
				var ev eventmodel.Event
				if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
					continue
				}
				overflowed = append(overflowed, ev)
			}

			merged := append(overflowed, buffered...)
			sortEventsByID(merged)
			for _, ev := range merged {
				if ev.EventID <= lastEventID {
					continue
				}
				if err := yield(ev); err != nil {
					return err
				}
				lastEventID = ev.EventID
			}
			return nil
		}
	}
}

func sortEventsByID(events []eventmodel.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].EventID < events[j].EventID })
}
