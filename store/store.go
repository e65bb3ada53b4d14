// ABOUTME: SQLite-backed storage gateway for chat history, tool/artifact logs, session locks, and memory records.
// ABOUTME: Single-writer, WAL-journaled, with serializable acquire semantics for the admission lock table.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brassloop/conductor/eventmodel"
)

// Store is the durable gateway backing the session lock table, chat/tool/
// artifact logs, the session monitor's persisted records, stream overflow
// events, and long-term memory records (spec §4.3, §6.5).
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path, applying WAL journaling
// and the full schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_time REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	meta TEXT,
	reasoning_content TEXT,
	timestamp REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(user_id, session_id, id);

CREATE TABLE IF NOT EXISTS tool_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT,
	args TEXT NOT NULL,
	data TEXT,
	sandbox TEXT,
	timestamp REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_logs_session ON tool_logs(session_id, id);

CREATE TABLE IF NOT EXISTS artifact_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	action TEXT NOT NULL,
	name TEXT NOT NULL,
	ok INTEGER NOT NULL,
	meta TEXT,
	tool TEXT NOT NULL,
	timestamp REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifact_logs_session ON artifact_logs(session_id, id);

CREATE TABLE IF NOT EXISTS monitor_sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	summary TEXT,
	start_time REAL NOT NULL,
	updated_time REAL NOT NULL,
	ended_time REAL,
	rounds INTEGER NOT NULL DEFAULT 0,
	token_usage TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_monitor_sessions_user ON monitor_sessions(user_id);

CREATE TABLE IF NOT EXISTS system_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_locks (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	created_time REAL NOT NULL,
	updated_time REAL NOT NULL,
	expires_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_events (
	session_id TEXT NOT NULL,
	event_id INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_time REAL NOT NULL,
	PRIMARY KEY (session_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_stream_events_created ON stream_events(created_time);

CREATE TABLE IF NOT EXISTS memory_settings (
	user_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS memory_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	created_time REAL NOT NULL,
	updated_time REAL NOT NULL,
	UNIQUE(user_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(user_id, updated_time);

CREATE TABLE IF NOT EXISTS memory_task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	queued_time REAL NOT NULL,
	started_time REAL,
	finished_time REAL,
	payload TEXT,
	UNIQUE(user_id, session_id)
);
`

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ChatRow is one row of the chat_history table.
type ChatRow struct {
	ID               int64
	UserID           string
	SessionID        string
	Role             string
	Content          string
	Meta             map[string]any
	ReasoningContent string
	Timestamp        float64
}

// ToolLogRow is one row of the tool_logs table.
type ToolLogRow struct {
	UserID    string
	SessionID string
	Tool      string
	OK        bool
	Error     string
	Args      string
	Data      string
	Sandbox   string
	Timestamp float64
}

// ArtifactLogRow is one row of the artifact_logs table.
type ArtifactLogRow struct {
	UserID    string
	SessionID string
	Kind      string
	Action    string
	Name      string
	OK        bool
	Meta      string
	Tool      string
	Timestamp float64
}

// MonitorRecord mirrors a persisted row of monitor_sessions.
type MonitorRecord struct {
	SessionID       string
	UserID          string
	Status          string
	Stage           string
	Summary         string
	StartTime       float64
	UpdatedTime     float64
	EndedTime       *float64
	Rounds          int
	TokenUsageJSON  string
	CancelRequested bool
}

// OverflowEvent is one row of the stream_events spill table.
type OverflowEvent struct {
	SessionID   string
	EventID     int64
	UserID      string
	Payload     string
	CreatedTime float64
}

// MemoryRecord is one row of the memory_records table.
type MemoryRecord struct {
	UserID      string
	SessionID   string
	Summary     string
	CreatedTime float64
	UpdatedTime float64
}

// MemoryTaskLog is one row of the memory_task_logs table.
type MemoryTaskLog struct {
	UserID       string
	SessionID    string
	TaskID       string
	Status       string
	QueuedTime   float64
	StartedTime  *float64
	FinishedTime *float64
	Payload      string
}

// LockResult reports the outcome of a TryAcquireLock call.
type LockResult struct {
	Acquired   bool
	UserBusy   bool
	GlobalBusy bool
}

func metaJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendChat appends a chat row and returns its assigned row id.
func (s *Store) AppendChat(row ChatRow) (int64, error) {
	metaStr, err := metaJSON(row.Meta)
	if err != nil {
		return 0, fmt.Errorf("marshal chat meta: %w", err)
	}
	if row.Timestamp == 0 {
		row.Timestamp = nowSeconds()
	}
	res, err := s.db.Exec(
		`INSERT INTO chat_history (user_id, session_id, role, content, meta, reasoning_content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.UserID, row.SessionID, row.Role, row.Content, nullableString(metaStr), nullableString(row.ReasoningContent), row.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("append chat: %w", err)
	}
	return res.LastInsertId()
}

// LoadHistory returns chat rows for (userID, sessionID) in insertion order,
// bounded by limit (0 = unbounded) applied as a tail window.
func (s *Store) LoadHistory(userID, sessionID string, limit int) ([]ChatRow, error) {
	query := `SELECT id, user_id, session_id, role, content, meta, reasoning_content, timestamp
	          FROM chat_history WHERE user_id = ? AND session_id = ? ORDER BY id ASC`
	rows, err := s.db.Query(query, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var all []ChatRow
	for rows.Next() {
		var r ChatRow
		var metaStr, reasoning sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &metaStr, &reasoning, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if metaStr.Valid && metaStr.String != "" {
			m := map[string]any{}
			if err := json.Unmarshal([]byte(metaStr.String), &m); err == nil {
				r.Meta = m
			}
		}
		r.ReasoningContent = reasoning.String
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// LoadSessionSystemPrompt returns the most recent chat row with
// meta.type = "system_prompt" for the session, if any.
func (s *Store) LoadSessionSystemPrompt(userID, sessionID string) (ChatRow, bool, error) {
	rows, err := s.LoadHistory(userID, sessionID, 0)
	if err != nil {
		return ChatRow{}, false, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Meta != nil && rows[i].Meta["type"] == "system_prompt" {
			return rows[i], true, nil
		}
	}
	return ChatRow{}, false, nil
}

// SaveSessionSystemPrompt appends a new system_prompt chat row.
func (s *Store) SaveSessionSystemPrompt(userID, sessionID, content, language string) error {
	meta := map[string]any{"type": "system_prompt"}
	if language != "" {
		meta["language"] = language
	}
	_, err := s.AppendChat(ChatRow{
		UserID: userID, SessionID: sessionID, Role: "system", Content: content, Meta: meta,
	})
	return err
}

// AppendToolLog appends one tool_logs row.
func (s *Store) AppendToolLog(row ToolLogRow) error {
	if row.Timestamp == 0 {
		row.Timestamp = nowSeconds()
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_logs (user_id, session_id, tool, ok, error, args, data, sandbox, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.UserID, row.SessionID, row.Tool, boolToInt(row.OK), nullableString(row.Error),
		row.Args, nullableString(row.Data), nullableString(row.Sandbox), row.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append tool log: %w", err)
	}
	return nil
}

// AppendArtifactLog appends one artifact_logs row.
func (s *Store) AppendArtifactLog(row ArtifactLogRow) error {
	if row.Timestamp == 0 {
		row.Timestamp = nowSeconds()
	}
	_, err := s.db.Exec(
		`INSERT INTO artifact_logs (user_id, session_id, kind, action, name, ok, meta, tool, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.UserID, row.SessionID, row.Kind, row.Action, row.Name, boolToInt(row.OK),
		nullableString(row.Meta), row.Tool, row.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append artifact log: %w", err)
	}
	return nil
}

// LoadArtifactLogs returns the most recent limit artifact rows for a session, oldest first.
func (s *Store) LoadArtifactLogs(sessionID string, limit int) ([]ArtifactLogRow, error) {
	rows, err := s.db.Query(
		`SELECT user_id, session_id, kind, action, name, ok, meta, tool, timestamp
		 FROM artifact_logs WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load artifact logs: %w", err)
	}
	defer rows.Close()

	var out []ArtifactLogRow
	for rows.Next() {
		var r ArtifactLogRow
		var metaStr sql.NullString
		var okInt int
		if err := rows.Scan(&r.UserID, &r.SessionID, &r.Kind, &r.Action, &r.Name, &okInt, &metaStr, &r.Tool, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		r.OK = okInt != 0
		r.Meta = metaStr.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MetaSet upserts a meta key/value pair.
func (s *Store) MetaSet(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value, updated_time) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_time = excluded.updated_time`,
		key, value, nowSeconds(),
	)
	if err != nil {
		return fmt.Errorf("meta set: %w", err)
	}
	return nil
}

// MetaGet reads a meta value; ok is false if the key is absent.
func (s *Store) MetaGet(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta get: %w", err)
	}
	return value, true, nil
}

// MetaIncrement atomically adds delta to a numeric meta value, creating it at
// delta if absent, and returns the resulting total.
func (s *Store) MetaIncrement(key string, delta int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("meta increment begin: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("meta increment read: %w", err)
	}

	total := current + delta
	_, err = tx.Exec(
		`INSERT INTO meta (key, value, updated_time) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_time = excluded.updated_time`,
		key, fmt.Sprintf("%d", total), nowSeconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("meta increment write: %w", err)
	}
	return total, tx.Commit()
}

// MetaDeleteByPrefix deletes all meta rows whose key starts with prefix.
func (s *Store) MetaDeleteByPrefix(prefix string) error {
	_, err := s.db.Exec(`DELETE FROM meta WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return fmt.Errorf("meta delete by prefix: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// sessionTokenKey mirrors spec §3's session_token_usage:{user}:{session} meta keying.
func sessionTokenKey(userID, sessionID string) string {
	return fmt.Sprintf("session_token_usage:%s:%s", userID, sessionID)
}

// LoadSessionTokenUsage reads the cumulative token-usage counter for a
// session, keyed per spec §3 as session_token_usage:{user}:{session}.
func (s *Store) LoadSessionTokenUsage(userID, sessionID string) (eventmodel.Usage, error) {
	value, ok, err := s.MetaGet(sessionTokenKey(userID, sessionID))
	if err != nil {
		return eventmodel.Usage{}, err
	}
	if !ok {
		return eventmodel.Usage{}, nil
	}
	var usage eventmodel.Usage
	if err := json.Unmarshal([]byte(value), &usage); err != nil {
		return eventmodel.Usage{}, fmt.Errorf("decode session token usage: %w", err)
	}
	return usage, nil
}

// SaveSessionTokenUsage overwrites a session's cumulative token-usage counter.
func (s *Store) SaveSessionTokenUsage(userID, sessionID string, usage eventmodel.Usage) error {
	b, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode session token usage: %w", err)
	}
	return s.MetaSet(sessionTokenKey(userID, sessionID), string(b))
}

// AddSessionTokenUsage atomically adds delta to a session's cumulative
// token-usage counter and returns the resulting total.
func (s *Store) AddSessionTokenUsage(userID, sessionID string, delta eventmodel.Usage) (eventmodel.Usage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return eventmodel.Usage{}, fmt.Errorf("add session token usage begin: %w", err)
	}
	defer tx.Rollback()

	key := sessionTokenKey(userID, sessionID)
	var current eventmodel.Usage
	var value string
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return eventmodel.Usage{}, fmt.Errorf("add session token usage read: %w", err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(value), &current); jsonErr != nil {
			return eventmodel.Usage{}, fmt.Errorf("decode session token usage: %w", jsonErr)
		}
	}

	total := current.Add(delta)
	b, err := json.Marshal(total)
	if err != nil {
		return eventmodel.Usage{}, fmt.Errorf("encode session token usage: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO meta (key, value, updated_time) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_time = excluded.updated_time`,
		key, string(b), nowSeconds(),
	)
	if err != nil {
		return eventmodel.Usage{}, fmt.Errorf("add session token usage write: %w", err)
	}
	return total, tx.Commit()
}

// TryAcquireLock attempts to acquire the session lock row inside a single
// immediate (write-locking) transaction, per spec §4.3: purge expired rows,
// reject on per-user exclusivity, reject on global cap, else insert.
func (s *Store) TryAcquireLock(sessionID, userID string, maxActive int, ttl time.Duration) (LockResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire begin: %w", err)
	}
	defer tx.Rollback()

	now := nowSeconds()
	if _, err := tx.Exec(`DELETE FROM session_locks WHERE expires_at < ?`, now); err != nil {
		return LockResult{}, fmt.Errorf("acquire purge expired: %w", err)
	}

	var existing string
	err = tx.QueryRow(`SELECT session_id FROM session_locks WHERE user_id = ?`, userID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return LockResult{}, fmt.Errorf("acquire user check: %w", err)
	}
	if err == nil && existing != sessionID {
		return LockResult{UserBusy: true}, tx.Commit()
	}
	if err == nil && existing == sessionID {
		// Re-entrant acquire for the same session: treat as a touch.
		expires := now + ttl.Seconds()
		if _, err := tx.Exec(`UPDATE session_locks SET updated_time = ?, expires_at = ? WHERE session_id = ?`, now, expires, sessionID); err != nil {
			return LockResult{}, fmt.Errorf("acquire touch existing: %w", err)
		}
		return LockResult{Acquired: true}, tx.Commit()
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM session_locks`).Scan(&count); err != nil {
		return LockResult{}, fmt.Errorf("acquire count: %w", err)
	}
	if maxActive > 0 && count >= maxActive {
		return LockResult{GlobalBusy: true}, tx.Commit()
	}

	expires := now + ttl.Seconds()
	_, err = tx.Exec(
		`INSERT INTO session_locks (session_id, user_id, created_time, updated_time, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, userID, now, now, expires,
	)
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire insert: %w", err)
	}
	return LockResult{Acquired: true}, tx.Commit()
}

// TouchLock renews a held lock's expiry.
func (s *Store) TouchLock(sessionID string, ttl time.Duration) error {
	now := nowSeconds()
	_, err := s.db.Exec(`UPDATE session_locks SET updated_time = ?, expires_at = ? WHERE session_id = ?`, now, now+ttl.Seconds(), sessionID)
	if err != nil {
		return fmt.Errorf("touch lock: %w", err)
	}
	return nil
}

// ReleaseLock deletes a lock row; idempotent if already absent.
func (s *Store) ReleaseLock(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_locks WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// DeleteLocksByUser removes all lock rows for a user.
func (s *Store) DeleteLocksByUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM session_locks WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete locks by user: %w", err)
	}
	return nil
}

// AppendStreamOverflow records an event that a bounded stream queue rejected.
func (s *Store) AppendStreamOverflow(sessionID string, eventID int64, userID, payload string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO stream_events (session_id, event_id, user_id, payload, created_time) VALUES (?, ?, ?, ?, ?)`,
		sessionID, eventID, userID, payload, nowSeconds(),
	)
	if err != nil {
		return fmt.Errorf("append stream overflow: %w", err)
	}
	return nil
}

// FetchStreamOverflow returns overflow rows with event_id > afterEventID, ascending, bounded by limit.
func (s *Store) FetchStreamOverflow(sessionID string, afterEventID int64, limit int) ([]OverflowEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, event_id, user_id, payload, created_time FROM stream_events
		 WHERE session_id = ? AND event_id > ? ORDER BY event_id ASC LIMIT ?`,
		sessionID, afterEventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch stream overflow: %w", err)
	}
	defer rows.Close()

	var out []OverflowEvent
	for rows.Next() {
		var e OverflowEvent
		if err := rows.Scan(&e.SessionID, &e.EventID, &e.UserID, &e.Payload, &e.CreatedTime); err != nil {
			return nil, fmt.Errorf("scan overflow row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GCStreamOverflow deletes overflow rows older than cutoff.
func (s *Store) GCStreamOverflow(cutoff time.Time) error {
	cutoffSeconds := float64(cutoff.UnixNano()) / 1e9
	_, err := s.db.Exec(`DELETE FROM stream_events WHERE created_time < ?`, cutoffSeconds)
	if err != nil {
		return fmt.Errorf("gc stream overflow: %w", err)
	}
	return nil
}

// PurgeStreamOverflowByUser deletes all overflow rows for a user.
func (s *Store) PurgeStreamOverflowByUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM stream_events WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("purge stream overflow by user: %w", err)
	}
	return nil
}

// UpsertMonitorRecord writes or replaces a monitor_sessions row by session_id.
func (s *Store) UpsertMonitorRecord(rec MonitorRecord) error {
	var endedTime any
	if rec.EndedTime != nil {
		endedTime = *rec.EndedTime
	}
	_, err := s.db.Exec(
		`INSERT INTO monitor_sessions
		   (session_id, user_id, status, stage, summary, start_time, updated_time, ended_time, rounds, token_usage, cancel_requested)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   user_id = excluded.user_id, status = excluded.status, stage = excluded.stage,
		   summary = excluded.summary, updated_time = excluded.updated_time,
		   ended_time = excluded.ended_time, rounds = excluded.rounds,
		   token_usage = excluded.token_usage, cancel_requested = excluded.cancel_requested`,
		rec.SessionID, rec.UserID, rec.Status, rec.Stage, rec.Summary, rec.StartTime,
		rec.UpdatedTime, endedTime, rec.Rounds, rec.TokenUsageJSON, boolToInt(rec.CancelRequested),
	)
	if err != nil {
		return fmt.Errorf("upsert monitor record: %w", err)
	}
	return nil
}

// ListMonitorRecords returns every persisted monitor_sessions row.
func (s *Store) ListMonitorRecords() ([]MonitorRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, user_id, status, stage, summary, start_time, updated_time, ended_time, rounds, token_usage, cancel_requested
		 FROM monitor_sessions`,
	)
	if err != nil {
		return nil, fmt.Errorf("list monitor records: %w", err)
	}
	defer rows.Close()

	var out []MonitorRecord
	for rows.Next() {
		var r MonitorRecord
		var ended sql.NullFloat64
		var cancel int
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.Status, &r.Stage, &r.Summary, &r.StartTime, &r.UpdatedTime, &ended, &r.Rounds, &r.TokenUsageJSON, &cancel); err != nil {
			return nil, fmt.Errorf("scan monitor record: %w", err)
		}
		if ended.Valid {
			v := ended.Float64
			r.EndedTime = &v
		}
		r.CancelRequested = cancel != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMonitorRecord removes a session's persisted monitor row.
func (s *Store) DeleteMonitorRecord(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM monitor_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete monitor record: %w", err)
	}
	return nil
}

// DeleteMonitorRecordsByUser removes all of a user's persisted monitor rows.
func (s *Store) DeleteMonitorRecordsByUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM monitor_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete monitor records by user: %w", err)
	}
	return nil
}

// RetentionSweep deletes rows older than retentionDays across the
// history/log/monitor/overflow tables (spec §4.3).
func (s *Store) RetentionSweep(retentionDays int) error {
	cutoff := nowSeconds() - float64(retentionDays)*86400
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("retention sweep begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM chat_history WHERE timestamp < ?`,
		`DELETE FROM tool_logs WHERE timestamp < ?`,
		`DELETE FROM artifact_logs WHERE timestamp < ?`,
		`DELETE FROM monitor_sessions WHERE updated_time < ?`,
		`DELETE FROM stream_events WHERE created_time < ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, cutoff); err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM system_logs WHERE created_at < ?`, time.Unix(int64(cutoff), 0).UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("retention sweep system logs: %w", err)
	}
	return tx.Commit()
}

// IsMemoryEnabled reports whether long-term-memory summarization is enabled
// for a user; absent rows default to enabled (spec §4.11's memory_enabled[user_id]).
func (s *Store) IsMemoryEnabled(userID string) (bool, error) {
	var enabled int
	err := s.db.QueryRow(`SELECT enabled FROM memory_settings WHERE user_id = ?`, userID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get memory setting: %w", err)
	}
	return enabled != 0, nil
}

// SetMemoryEnabled upserts a per-user memory-summarization toggle.
func (s *Store) SetMemoryEnabled(userID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO memory_settings (user_id, enabled) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET enabled = excluded.enabled`,
		userID, val,
	)
	if err != nil {
		return fmt.Errorf("set memory setting: %w", err)
	}
	return nil
}

// UpsertMemoryRecord writes or replaces a per-(user,session) memory summary,
// enforcing maxRecords by evicting the least-recently-updated rows for the
// user in the same transaction.
func (s *Store) UpsertMemoryRecord(rec MemoryRecord, maxRecords int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert memory begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO memory_records (user_id, session_id, summary, created_time, updated_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, session_id) DO UPDATE SET
		   summary = excluded.summary, updated_time = excluded.updated_time`,
		rec.UserID, rec.SessionID, rec.Summary, rec.CreatedTime, rec.UpdatedTime,
	)
	if err != nil {
		return fmt.Errorf("upsert memory record: %w", err)
	}

	if maxRecords > 0 {
		_, err = tx.Exec(
			`DELETE FROM memory_records WHERE user_id = ? AND id NOT IN (
			   SELECT id FROM memory_records WHERE user_id = ? ORDER BY updated_time DESC LIMIT ?
			 )`,
			rec.UserID, rec.UserID, maxRecords,
		)
		if err != nil {
			return fmt.Errorf("evict memory records: %w", err)
		}
	}
	return tx.Commit()
}

// ListMemoryRecords returns a user's memory records, most recently updated first.
func (s *Store) ListMemoryRecords(userID string) ([]MemoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT user_id, session_id, summary, created_time, updated_time FROM memory_records
		 WHERE user_id = ? ORDER BY updated_time DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		if err := rows.Scan(&r.UserID, &r.SessionID, &r.Summary, &r.CreatedTime, &r.UpdatedTime); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMemoryRecord removes one user's session memory record.
func (s *Store) DeleteMemoryRecord(userID, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM memory_records WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

// DeleteMemoryRecordsByUser removes all of a user's memory records.
func (s *Store) DeleteMemoryRecordsByUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM memory_records WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete memory records by user: %w", err)
	}
	return nil
}

// MemoryStats returns the number of memory records held for a user.
func (s *Store) MemoryStats(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_records WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("memory stats: %w", err)
	}
	return count, nil
}

// UpsertMemoryTaskLog writes or replaces the most-recent-wins task log for (user, session).
func (s *Store) UpsertMemoryTaskLog(log MemoryTaskLog) error {
	var started, finished any
	if log.StartedTime != nil {
		started = *log.StartedTime
	}
	if log.FinishedTime != nil {
		finished = *log.FinishedTime
	}
	_, err := s.db.Exec(
		`INSERT INTO memory_task_logs (user_id, session_id, task_id, status, queued_time, started_time, finished_time, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, session_id) DO UPDATE SET
		   task_id = excluded.task_id, status = excluded.status, queued_time = excluded.queued_time,
		   started_time = excluded.started_time, finished_time = excluded.finished_time, payload = excluded.payload`,
		log.UserID, log.SessionID, log.TaskID, log.Status, log.QueuedTime, started, finished, log.Payload,
	)
	if err != nil {
		return fmt.Errorf("upsert memory task log: %w", err)
	}
	return nil
}

// ListMemoryTaskLogs returns the most recently queued task logs, bounded by limit.
func (s *Store) ListMemoryTaskLogs(limit int) ([]MemoryTaskLog, error) {
	rows, err := s.db.Query(
		`SELECT user_id, session_id, task_id, status, queued_time, started_time, finished_time, payload
		 FROM memory_task_logs ORDER BY queued_time DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory task logs: %w", err)
	}
	defer rows.Close()
	return scanTaskLogs(rows)
}

// GetMemoryTaskLog fetches a task log by task_id.
func (s *Store) GetMemoryTaskLog(taskID string) (MemoryTaskLog, bool, error) {
	rows, err := s.db.Query(
		`SELECT user_id, session_id, task_id, status, queued_time, started_time, finished_time, payload
		 FROM memory_task_logs WHERE task_id = ? LIMIT 1`,
		taskID,
	)
	if err != nil {
		return MemoryTaskLog{}, false, fmt.Errorf("get memory task log: %w", err)
	}
	defer rows.Close()
	logs, err := scanTaskLogs(rows)
	if err != nil {
		return MemoryTaskLog{}, false, err
	}
	if len(logs) == 0 {
		return MemoryTaskLog{}, false, nil
	}
	return logs[0], true, nil
}

func scanTaskLogs(rows *sql.Rows) ([]MemoryTaskLog, error) {
	var out []MemoryTaskLog
	for rows.Next() {
		var l MemoryTaskLog
		var started, finished sql.NullFloat64
		if err := rows.Scan(&l.UserID, &l.SessionID, &l.TaskID, &l.Status, &l.QueuedTime, &started, &finished, &l.Payload); err != nil {
			return nil, fmt.Errorf("scan memory task log: %w", err)
		}
		if started.Valid {
			v := started.Float64
			l.StartedTime = &v
		}
		if finished.Valid {
			v := finished.Float64
			l.FinishedTime = &v
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendSystemLog writes one diagnostic row to system_logs.
func (s *Store) AppendSystemLog(level, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO system_logs (level, message, created_at) VALUES (?, ?, ?)`,
		level, message, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
