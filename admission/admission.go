// ABOUTME: Admission controller enforcing per-user exclusivity and a global concurrency cap via the store's session-lock table.
// ABOUTME: Polls try_acquire until acquired or user_busy, then runs a heartbeat goroutine that renews the lock until released.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brassloop/conductor/store"
)

const (
	defaultPollInterval     = 200 * time.Millisecond
	defaultHeartbeatPeriod  = 5 * time.Second
	defaultLockTTL          = 120 * time.Second
)

// Controller wraps the store's session-lock table with the async acquire/
// heartbeat/release protocol of spec §4.5.
type Controller struct {
	store         *store.Store
	maxActive     int
	pollInterval  time.Duration
	heartbeat     time.Duration
	ttl           time.Duration

	waiting int64
	lastWaitMs int64
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithPollInterval overrides the default 200ms acquire poll interval.
func WithPollInterval(d time.Duration) Option { return func(c *Controller) { c.pollInterval = d } }

// WithHeartbeatPeriod overrides the default 5s heartbeat period.
func WithHeartbeatPeriod(d time.Duration) Option { return func(c *Controller) { c.heartbeat = d } }

// WithLockTTL overrides the default 120s lock TTL. Must be >= 2x heartbeat.
func WithLockTTL(d time.Duration) Option { return func(c *Controller) { c.ttl = d } }

// New constructs an admission Controller backed by st, capping global
// concurrent sessions at maxActive (0 = unbounded).
func New(st *store.Store, maxActive int, opts ...Option) *Controller {
	c := &Controller{
		store:        st,
		maxActive:    maxActive,
		pollInterval: defaultPollInterval,
		heartbeat:    defaultHeartbeatPeriod,
		ttl:          defaultLockTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lease represents a held admission slot; call Release to give it up.
type Lease struct {
	sessionID    string
	generationID string
	cancel       context.CancelFunc
	done         chan struct{}
}

// GenerationID returns the heartbeat generation tag for this lease, for
// callers that want to correlate system log entries with a specific lease.
func (l *Lease) GenerationID() string { return l.generationID }

// Release stops the heartbeat goroutine and releases the underlying lock row.
// Idempotent: safe to call multiple times and on every exit path.
func (l *Lease) Release(c *Controller) {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	_ = c.store.ReleaseLock(l.sessionID)
}

// Acquire polls try_acquire until the session is admitted (true) or the
// user is already running another session (false). global_busy keeps
// polling. On success, a background heartbeat goroutine renews the lock
// until the returned Lease is released.
func (c *Controller) Acquire(ctx context.Context, sessionID, userID string) (*Lease, bool, error) {
	start := time.Now()
	atomic.AddInt64(&c.waiting, 1)
	defer atomic.AddInt64(&c.waiting, -1)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.store.TryAcquireLock(sessionID, userID, c.maxActive, c.ttl)
		if err != nil {
			return nil, false, err
		}
		if result.Acquired {
			atomic.StoreInt64(&c.lastWaitMs, time.Since(start).Milliseconds())
			return c.startHeartbeat(sessionID), true, nil
		}
		if result.UserBusy {
			return nil, false, nil
		}
		// global_busy: keep polling.

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// startHeartbeat spawns the lock-renewal goroutine for sessionID, tagging it
// with a process-local generation id so a TouchLock failure can be correlated
// in the system log to the specific heartbeat run that produced it, even
// across a lease being released and a new one acquired for the same session.
func (c *Controller) startHeartbeat(sessionID string) *Lease {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	generationID := uuid.NewString()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.TouchLock(sessionID, c.ttl); err != nil {
					_ = c.store.AppendSystemLog("WARN", "admission heartbeat "+generationID+" for session "+sessionID+": "+err.Error())
				}
			}
		}
	}()

	return &Lease{sessionID: sessionID, generationID: generationID, cancel: cancel, done: done}
}

// Metrics reports the current waiting-acquirer count and the last observed
// wait duration in milliseconds, for observability (spec §4.5).
func (c *Controller) Metrics() (waiting int64, lastWaitMs int64) {
	return atomic.LoadInt64(&c.waiting), atomic.LoadInt64(&c.lastWaitMs)
}
