package sessions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when no live session exists for a key.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionActive is returned by EndIdle when the session saw activity
// after the cutoff or has a query in flight.
var ErrSessionActive = errors.New("session active")

// EndReason labels why a session ended.
type EndReason string

const (
	EndExplicit EndReason = "explicit"
	EndIdle     EndReason = "idle"
	EndShutdown EndReason = "shutdown"
	EndReload   EndReason = "reload"
)

// Factory builds the session for a key. It runs at most once per key at a time.
type Factory func(ctx context.Context) (*Session, error)

// entry is a registry slot. It is inserted before the factory runs so
// concurrent callers for the same key wait on ready instead of creating twice.
type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry holds the live sessions of one tenancy scope.
type Registry struct {
	scope string

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry for scope.
func NewRegistry(scope string) *Registry {
	return &Registry{scope: scope, entries: make(map[string]*entry)}
}

// Scope returns the registry's tenancy scope.
func (r *Registry) Scope() string { return r.scope }

// GetOrCreate returns the live session for key, creating it with create
// when there is none. Callers arriving while creation is in progress wait
// for it and share the result, including a failure.
func (r *Registry) GetOrCreate(ctx context.Context, key string, create Factory) (*Session, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return r.await(ctx, key, e, create)
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	s, err := r.build(ctx, key, create)

	r.mu.Lock()
	if err != nil {
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		e.err = err
	} else {
		e.session = s
		metrics.SessionsCreated.WithLabelValues(r.scope).Inc()
		metrics.LiveSessions.WithLabelValues(r.scope).Set(float64(r.liveLocked()))
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	zap.S().Debugw("session_created", "scope", r.scope, "tenant", key)
	return s, nil
}

func (r *Registry) build(ctx context.Context, key string, create Factory) (s *Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("session factory panic: %v", p)
		}
	}()
	s, err = create(ctx)
	if err == nil && s == nil {
		err = errors.New("session factory returned no session")
	}
	if err == nil && s.key == "" {
		s.key = key
	}
	return s, err
}

func (r *Registry) await(ctx context.Context, key string, e *entry, create Factory) (*Session, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	if !r.touch(key, e) {
		// ended while we waited
		return r.GetOrCreate(ctx, key, create)
	}
	return e.session, nil
}

// touch refreshes e's session under the registry lock so a concurrent
// EndIdle either sees the new activity or has already removed e.
func (r *Registry) touch(key string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] != e {
		return false
	}
	e.session.Touch()
	return true
}

// Get returns the live session for key and refreshes its activity time.
// A session still being created is not returned.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || !r.touch(key, e) {
		return nil, false
	}
	return e.session, true
}

// End removes the session for key and runs its cleanup.
func (r *Registry) End(ctx context.Context, key string) error {
	return r.EndWithReason(ctx, key, EndExplicit)
}

// EndWithReason removes the session for key and runs its cleanup. The
// session is removed even if cleanup fails; the cleanup error is returned.
func (r *Registry) EndWithReason(ctx context.Context, key string, reason EndReason) error {
	return r.end(ctx, key, reason, time.Time{})
}

// EndIdle ends the session for key only if it has been inactive since
// before cutoff and has no query in flight. The check and the removal
// happen under the registry lock; a session that is no longer idle is
// left alone and ErrSessionActive is returned.
func (r *Registry) EndIdle(ctx context.Context, key string, cutoff time.Time) error {
	return r.end(ctx, key, EndIdle, cutoff)
}

func (r *Registry) end(ctx context.Context, key string, reason EndReason, idleBefore time.Time) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	// a session under construction is ended once it exists
	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	owned := r.entries[key] == e
	if owned && e.err == nil && !idleBefore.IsZero() &&
		(e.session.Busy() || !e.session.LastActive().Before(idleBefore)) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionActive, key)
	}
	if owned {
		delete(r.entries, key)
		metrics.LiveSessions.WithLabelValues(r.scope).Set(float64(r.liveLocked()))
	}
	r.mu.Unlock()

	if !owned || e.err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	metrics.SessionsEnded.WithLabelValues(r.scope, string(reason)).Inc()
	if err := e.session.Cleanup(ctx); err != nil {
		metrics.CleanupFailures.WithLabelValues(r.scope).Inc()
		zap.S().Warnw("session_cleanup_failed", "scope", r.scope, "tenant", key, "reason", reason, "error", err)
		return err
	}
	zap.S().Debugw("session_ended", "scope", r.scope, "tenant", key, "reason", reason)
	return nil
}

// Snapshot returns the live sessions ordered by key.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if s := readySession(e); s != nil {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})
	return out
}

// Keys returns the keys of live sessions, sorted.
func (r *Registry) Keys() []string {
	snap := r.Snapshot()
	keys := make([]string, len(snap))
	for i, s := range snap {
		keys[i] = s.key
	}
	return keys
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, e := range r.entries {
		if readySession(e) != nil {
			n++
		}
	}
	return n
}

func readySession(e *entry) *Session {
	select {
	case <-e.ready:
		return e.session
	default:
		return nil
	}
}
