// ABOUTME: Tests for the admission controller's acquire/release/heartbeat protocol.
// ABOUTME: Validates per-user exclusivity, global cap polling, and idempotent release.

package admission

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brassloop/conductor/store"
)

func newTestController(t *testing.T, maxActive int, opts ...Option) *Controller {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, maxActive, opts...)
}

func TestAcquireSucceedsImmediately(t *testing.T) {
	c := newTestController(t, 10, WithPollInterval(5*time.Millisecond), WithHeartbeatPeriod(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, ok, err := c.Acquire(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("expected admission to succeed")
	}
	lease.Release(c)
}

func TestAcquireUserBusyReturnsFalseImmediately(t *testing.T) {
	c := newTestController(t, 10, WithPollInterval(5*time.Millisecond), WithHeartbeatPeriod(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, ok, err := c.Acquire(ctx, "s1", "u1")
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	defer lease.Release(c)

	_, ok, err = c.Acquire(ctx, "s2", "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("expected second session for the same busy user to be refused")
	}
}

func TestAcquireGlobalBusyEventuallySucceedsAfterRelease(t *testing.T) {
	c := newTestController(t, 1, WithPollInterval(5*time.Millisecond), WithHeartbeatPeriod(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, ok, err := c.Acquire(ctx, "s1", "u1")
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	done := make(chan bool, 1)
	go func() {
		_, ok, err := c.Acquire(ctx, "s2", "u2")
		done <- ok && err == nil
	}()

	time.Sleep(30 * time.Millisecond)
	first.Release(c)

	select {
	case ok := <-done:
		if !ok {
			t.Error("expected second acquire to eventually succeed after release")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second acquire to complete")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := newTestController(t, 10, WithPollInterval(5*time.Millisecond), WithHeartbeatPeriod(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, ok, err := c.Acquire(ctx, "s1", "u1")
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	lease.Release(c)
	lease.Release(c)
}

func TestAcquireContextCancellation(t *testing.T) {
	c := newTestController(t, 1, WithPollInterval(5*time.Millisecond), WithHeartbeatPeriod(time.Hour))

	holdCtx, holdCancel := context.WithCancel(context.Background())
	defer holdCancel()
	lease, ok, err := c.Acquire(holdCtx, "s1", "u1")
	if err != nil || !ok {
		t.Fatalf("initial acquire failed: ok=%v err=%v", ok, err)
	}
	defer lease.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err = c.Acquire(ctx, "s2", "u2")
	if err == nil {
		t.Error("expected context deadline error while blocked on global cap")
	}
}
