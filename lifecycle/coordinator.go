// Package lifecycle drains sessions and releases shared resources when
// pollyd stops.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexschlessinger/pollyd/sessions"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultCleanupTimeout bounds one session cleanup or closer during shutdown.
const DefaultCleanupTimeout = 10 * time.Second

// CloseFunc releases a shared resource.
type CloseFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloseFunc
}

// Coordinator ends every live session and then runs the registered closers.
type Coordinator struct {
	registries     []*sessions.Registry
	cleanupTimeout time.Duration

	mu      sync.Mutex
	closers []closer

	once         sync.Once
	done         chan struct{}
	err          error
	shuttingDown atomic.Bool
}

// NewCoordinator creates a coordinator over registries. A non-positive
// timeout means DefaultCleanupTimeout.
func NewCoordinator(cleanupTimeout time.Duration, registries ...*sessions.Registry) *Coordinator {
	if cleanupTimeout <= 0 {
		cleanupTimeout = DefaultCleanupTimeout
	}
	return &Coordinator{
		registries:     registries,
		cleanupTimeout: cleanupTimeout,
		done:           make(chan struct{}),
	}
}

// Register adds a closer. Closers run after sessions are drained, last registered first.
func (c *Coordinator) Register(name string, fn CloseFunc) {
	c.mu.Lock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
	c.mu.Unlock()
}

// ShuttingDown reports whether Shutdown has started.
func (c *Coordinator) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done is closed when Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs once. Every live session is ended concurrently under its own
// timeout, then closers run in reverse order. Every step is attempted; the
// first error is returned. Later calls wait for the first and return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.shuttingDown.Store(true)
		defer close(c.done)

		start := time.Now()
		zap.S().Infow("shutdown_started")

		errSessions := c.drainSessions(ctx)
		errClosers := c.runClosers(ctx)

		c.err = errSessions
		if c.err == nil {
			c.err = errClosers
		}
		zap.S().Infow("shutdown_complete", "duration", time.Since(start), "error", c.err)
	})

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drainSessions(ctx context.Context) error {
	var g errgroup.Group
	for _, reg := range c.registries {
		for _, key := range reg.Keys() {
			g.Go(func() error {
				err := c.withTimeout(ctx, func(ctx context.Context) error {
					return reg.EndWithReason(ctx, key, sessions.EndShutdown)
				})
				if err != nil {
					return fmt.Errorf("end %s session %s: %w", reg.Scope(), key, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (c *Coordinator) runClosers(ctx context.Context) error {
	c.mu.Lock()
	closers := append([]closer(nil), c.closers...)
	c.mu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		cl := closers[i]
		err := c.withTimeout(ctx, cl.fn)
		if err == nil {
			continue
		}
		zap.S().Warnw("shutdown_closer_failed", "closer", cl.name, "error", err)
		if first == nil {
			first = fmt.Errorf("close %s: %w", cl.name, err)
		}
	}
	return first
}

// withTimeout runs fn under the cleanup timeout and stops waiting when it
// expires, even if fn ignores its context.
func (c *Coordinator) withTimeout(ctx context.Context, fn CloseFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.cleanupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
