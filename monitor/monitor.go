// ABOUTME: Process-wide session monitor: in-memory session records, a bounded event ring per session, and forced-cancel tracking.
// ABOUTME: Guarded by a single mutex, matching the teacher's one-lock-per-shared-resource convention.
package monitor

import (
	"sync"
	"time"

	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/store"
)

const (
	defaultEventLimit      = 500
	defaultPayloadMaxChars = 4000
	forcedCancelTTL        = 120 * time.Second
)

// Record is the in-memory session record (spec §3 Session, §4.4).
type Record struct {
	SessionID       string
	UserID          string
	Question        string
	Status          eventmodel.Status
	Stage           string
	Summary         string
	StartTime       time.Time
	UpdatedTime     time.Time
	EndedTime       *time.Time
	Rounds          int
	TokenUsage      eventmodel.Usage
	CancelRequested bool
	Events          []eventmodel.Event
}

// Monitor is the process-wide singleton tracking every session's lifecycle.
type Monitor struct {
	mu              sync.Mutex
	records         map[string]*Record
	forcedCancel    map[string]time.Time
	eventLimit      int
	payloadMaxChars int
	dropTypes       map[eventmodel.Type]bool
	store           *store.Store
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithEventLimit sets the per-session event ring capacity (default 500).
func WithEventLimit(n int) Option {
	return func(m *Monitor) { m.eventLimit = n }
}

// WithPayloadMaxChars sets the per-event payload size cap (default 4000).
func WithPayloadMaxChars(n int) Option {
	return func(m *Monitor) { m.payloadMaxChars = n }
}

// WithDropTypes configures event types that are never appended to the ring.
func WithDropTypes(types ...eventmodel.Type) Option {
	return func(m *Monitor) {
		for _, t := range types {
			m.dropTypes[t] = true
		}
	}
}

// New constructs a Monitor backed by store for persistence, applying restart
// semantics: terminal records load verbatim, non-terminal records flip to
// error with summary "service restarted" (spec §4.4).
func New(st *store.Store, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		records:         make(map[string]*Record),
		forcedCancel:    make(map[string]time.Time),
		eventLimit:      defaultEventLimit,
		payloadMaxChars: defaultPayloadMaxChars,
		dropTypes:       make(map[eventmodel.Type]bool),
		store:           st,
	}
	for _, opt := range opts {
		opt(m)
	}

	if st != nil {
		rows, err := st.ListMonitorRecords()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			rec := fromRow(row)
			if !rec.Status.Terminal() {
				rec.Status = eventmodel.StatusError
				rec.Summary = "service restarted"
				now := time.Now()
				rec.EndedTime = &now
				rec.UpdatedTime = now
				if st != nil {
					_ = st.UpsertMonitorRecord(toRow(rec))
				}
			}
			m.records[rec.SessionID] = rec
		}
	}

	return m, nil
}

func fromRow(row store.MonitorRecord) *Record {
	rec := &Record{
		SessionID:       row.SessionID,
		UserID:          row.UserID,
		Status:          eventmodel.Status(row.Status),
		Stage:           row.Stage,
		Summary:         row.Summary,
		StartTime:       secondsToTime(row.StartTime),
		UpdatedTime:     secondsToTime(row.UpdatedTime),
		Rounds:          row.Rounds,
		CancelRequested: row.CancelRequested,
	}
	if row.EndedTime != nil {
		t := secondsToTime(*row.EndedTime)
		rec.EndedTime = &t
	}
	return rec
}

func toRow(rec *Record) store.MonitorRecord {
	row := store.MonitorRecord{
		SessionID:       rec.SessionID,
		UserID:          rec.UserID,
		Status:          string(rec.Status),
		Stage:           rec.Stage,
		Summary:         rec.Summary,
		StartTime:       timeToSeconds(rec.StartTime),
		UpdatedTime:     timeToSeconds(rec.UpdatedTime),
		Rounds:          rec.Rounds,
		CancelRequested: rec.CancelRequested,
	}
	if rec.EndedTime != nil {
		v := timeToSeconds(*rec.EndedTime)
		row.EndedTime = &v
	}
	return row
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TryRegister registers a new or reused session, rejecting if another active
// record exists for the same user (spec §4.4).
func (m *Monitor) TryRegister(sessionID, userID, question string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.records {
		if id == sessionID {
			continue
		}
		if rec.UserID == userID && !rec.Status.Terminal() {
			return false
		}
	}

	now := time.Now()
	rec, exists := m.records[sessionID]
	if !exists {
		rec = &Record{
			SessionID: sessionID,
			UserID:    userID,
			Question:  question,
			StartTime: now,
		}
		rec.Rounds = 1
		m.records[sessionID] = rec
	} else {
		rec.Rounds++
	}
	rec.Status = eventmodel.StatusRunning
	rec.Stage = "received"
	rec.UpdatedTime = now
	rec.CancelRequested = false
	rec.EndedTime = nil

	m.persist(rec)
	return true
}

// RecordEvent updates derived stage/summary state and appends to the
// session's bounded event ring (spec §4.4).
func (m *Monitor) RecordEvent(ev eventmodel.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dropTypes[ev.Type] {
		return
	}

	rec, ok := m.records[ev.SessionID]
	if !ok {
		return
	}
	if rec.Status.Terminal() {
		return
	}

	rec.UpdatedTime = time.Now()
	switch ev.Type {
	case eventmodel.TypeToolCall:
		rec.Stage = "tool_call"
		if name, ok := ev.Data["tool"].(string); ok {
			rec.Summary = "call(" + name + ")"
		}
	case eventmodel.TypeLLMRequest:
		rec.Stage = "llm_request"
	case eventmodel.TypeFinal:
		rec.Stage = "final"
	case eventmodel.TypeError:
		rec.Stage = "error"
		if msg, ok := ev.Data["message"].(string); ok {
			rec.Summary = msg
		}
	case eventmodel.TypeTokenUsage:
		rec.TokenUsage = rec.TokenUsage.Add(usageFromData(ev.Data))
	}

	ev.Data = sanitizePayload(ev.Data, m.payloadMaxChars)
	rec.Events = append(rec.Events, ev)
	if len(rec.Events) > m.eventLimit {
		rec.Events = rec.Events[len(rec.Events)-m.eventLimit:]
	}
}

func usageFromData(data map[string]any) eventmodel.Usage {
	intOf := func(v any) int {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
		return 0
	}
	return eventmodel.Usage{
		InputTokens:  intOf(data["input_tokens"]),
		OutputTokens: intOf(data["output_tokens"]),
		TotalTokens:  intOf(data["total_tokens"]),
	}
}

func sanitizePayload(data map[string]any, maxChars int) map[string]any {
	if data == nil || maxChars <= 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && len(s) > maxChars {
			out[k] = s[:maxChars] + "...[truncated]"
			continue
		}
		out[k] = v
	}
	return out
}

// MarkFinished transitions a session to the finished terminal state.
func (m *Monitor) MarkFinished(sessionID string) {
	m.transition(sessionID, eventmodel.StatusFinished, "")
}

// MarkError transitions a session to the error terminal state with a summary.
func (m *Monitor) MarkError(sessionID, summary string) {
	m.transition(sessionID, eventmodel.StatusError, summary)
}

// MarkCancelled transitions a session to the cancelled terminal state.
func (m *Monitor) MarkCancelled(sessionID string) {
	m.transition(sessionID, eventmodel.StatusCancelled, "")
}

// Cancel requests cancellation of a running session: sets cancel_requested
// and moves status to cancelling (spec §4.4, §5).
func (m *Monitor) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.CancelRequested = true
	rec.Status = eventmodel.StatusCancelling
	rec.UpdatedTime = time.Now()
	m.persist(rec)
}

func (m *Monitor) transition(sessionID string, status eventmodel.Status, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = status
	if summary != "" {
		rec.Summary = summary
	}
	now := time.Now()
	rec.UpdatedTime = now
	rec.EndedTime = &now
	m.persist(rec)
}

// IsCancelled reports whether a session's cancel flag is set or the session
// is in the forced-cancel set.
func (m *Monitor) IsCancelled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[sessionID]; ok && rec.CancelRequested {
		return true
	}
	if t, ok := m.forcedCancel[sessionID]; ok {
		return time.Since(t) < forcedCancelTTL
	}
	return false
}

// PurgeUserSessions marks every active session of userID as forced-cancel,
// drops their in-memory records, and cascades deletion to the store.
func (m *Monitor) PurgeUserSessions(userID string) {
	m.mu.Lock()
	now := time.Now()
	for id, rec := range m.records {
		if rec.UserID != userID {
			continue
		}
		if !rec.Status.Terminal() {
			m.forcedCancel[id] = now
		}
		delete(m.records, id)
	}
	m.sweepForcedCancelLocked(now)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.DeleteMonitorRecordsByUser(userID)
	}
}

// sweepForcedCancelLocked drops forced-cancel entries older than their TTL
// (resolves spec §9's open question on forced-cancel set lifetime: see
// DESIGN.md, decision 1).
func (m *Monitor) sweepForcedCancelLocked(now time.Time) {
	for id, t := range m.forcedCancel {
		if now.Sub(t) >= forcedCancelTTL {
			delete(m.forcedCancel, id)
		}
	}
}

// Get returns a copy of a session's current record and whether it exists.
func (m *Monitor) Get(sessionID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (m *Monitor) persist(rec *Record) {
	if m.store == nil {
		return
	}
	_ = m.store.UpsertMonitorRecord(toRow(rec))
}
