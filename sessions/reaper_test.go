package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func addSession(t *testing.T, reg *Registry, key string, lastActive time.Time, closers ...func() error) *Session {
	t.Helper()
	s, err := reg.GetOrCreate(context.Background(), key, func(context.Context) (*Session, error) {
		return newTestSession(key, closers...), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.lastActive = lastActive
	s.mu.Unlock()
	return s
}

func TestReaperEvictsIdleSessions(t *testing.T) {
	interactive := NewRegistry("interactive")
	embedded := NewRegistry("embedded")
	now := time.Now()

	var idleCleanups, freshCleanups atomic.Int32
	addSession(t, interactive, "idle", now.Add(-31*time.Minute), func() error { idleCleanups.Add(1); return nil })
	addSession(t, interactive, "fresh", now.Add(-5*time.Minute), func() error { freshCleanups.Add(1); return nil })
	addSession(t, embedded, "widget", now.Add(-2*time.Hour))

	r := NewReaper(ReaperConfig{}, interactive, embedded)
	r.now = func() time.Time { return now }

	if n := r.Sweep(context.Background()); n != 2 {
		t.Errorf("Sweep() evicted %d, want 2", n)
	}
	if _, ok := interactive.Get("idle"); ok {
		t.Error("idle session survived")
	}
	if _, ok := interactive.Get("fresh"); !ok {
		t.Error("fresh session was evicted")
	}
	if embedded.Len() != 0 {
		t.Error("idle embedded session survived")
	}
	if idleCleanups.Load() != 1 || freshCleanups.Load() != 0 {
		t.Errorf("cleanups idle=%d fresh=%d, want 1 and 0", idleCleanups.Load(), freshCleanups.Load())
	}

	// a second sweep finds nothing more to do
	if n := r.Sweep(context.Background()); n != 0 {
		t.Errorf("second Sweep() evicted %d", n)
	}
	if idleCleanups.Load() != 1 {
		t.Error("cleanup ran again")
	}
}

func TestReaperContinuesPastFailures(t *testing.T) {
	reg := NewRegistry("interactive")
	old := time.Now().Add(-time.Hour)

	addSession(t, reg, "a", old, func() error { return errors.New("close failed") })
	addSession(t, reg, "b", old, func() error { panic("close panicked") })
	var hung = make(chan struct{})
	defer close(hung)
	addSession(t, reg, "c", old, func() error { <-hung; return nil })
	var ok atomic.Bool
	addSession(t, reg, "d", old, func() error { ok.Store(true); return nil })

	r := NewReaper(ReaperConfig{EvictTimeout: 20 * time.Millisecond}, reg)
	r.Sweep(context.Background())

	if reg.Len() != 0 {
		t.Errorf("%d sessions survived the sweep", reg.Len())
	}
	if !ok.Load() {
		t.Error("healthy session was not cleaned up")
	}
}

func TestReaperStartStop(t *testing.T) {
	reg := NewRegistry("interactive")
	addSession(t, reg, "idle", time.Now().Add(-time.Hour))

	r := NewReaper(ReaperConfig{Interval: time.Second, IdleThreshold: time.Minute}, reg)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Error("scheduled sweep did not evict the idle session")
	}
}

func TestReaperSparesSessionWithQueryInFlight(t *testing.T) {
	reg := NewRegistry("interactive")
	now := time.Now()
	var cleanups atomic.Int32
	s := addSession(t, reg, "busy", now.Add(-time.Hour), func() error { cleanups.Add(1); return nil })

	release := s.BeginQuery()
	r := NewReaper(ReaperConfig{}, reg)
	r.now = func() time.Time { return now }

	if n := r.Sweep(context.Background()); n != 0 {
		t.Errorf("Sweep() evicted %d while a query was running", n)
	}
	if _, ok := reg.Get("busy"); !ok {
		t.Fatal("busy session was evicted")
	}
	if cleanups.Load() != 0 {
		t.Error("busy session was cleaned up")
	}

	release()
	s.mu.Lock()
	s.lastActive = now.Add(-time.Hour)
	s.mu.Unlock()
	if n := r.Sweep(context.Background()); n != 1 {
		t.Errorf("Sweep() evicted %d after the query finished, want 1", n)
	}
}

func TestEndIdleRechecksActivity(t *testing.T) {
	reg := NewRegistry("interactive")
	cutoff := time.Now().Add(-30 * time.Minute)
	addSession(t, reg, "t1", cutoff.Add(-time.Minute))

	// looked up between the sweep's snapshot and its end call
	if _, ok := reg.Get("t1"); !ok {
		t.Fatal("session missing")
	}
	if err := reg.EndIdle(context.Background(), "t1", cutoff); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("EndIdle() = %v, want ErrSessionActive", err)
	}
	if reg.Len() != 1 {
		t.Error("active session was removed")
	}

	if err := reg.EndIdle(context.Background(), "t1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("EndIdle() past last activity = %v", err)
	}
	if err := reg.EndIdle(context.Background(), "t1", time.Now()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("EndIdle() on ended session = %v, want ErrSessionNotFound", err)
	}
}
