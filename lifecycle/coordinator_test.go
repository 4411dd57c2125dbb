package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addSession(t *testing.T, reg *sessions.Registry, key string, closer func() error) {
	t.Helper()
	_, err := reg.GetOrCreate(context.Background(), key, func(context.Context) (*sessions.Session, error) {
		return sessions.New(sessions.Options{
			Key:     key,
			Scope:   reg.Scope(),
			Agent:   llm.NewAgent(nil, nil, llm.Config{}, llm.AgentConfig{}),
			Closers: []func() error{closer},
		}), nil
	})
	require.NoError(t, err)
}

func TestShutdownWithHungCleanup(t *testing.T) {
	interactive := sessions.NewRegistry("interactive")
	embedded := sessions.NewRegistry("embedded")

	hang := make(chan struct{})
	defer close(hang)
	var cleaned atomic.Bool

	addSession(t, interactive, "hung", func() error { <-hang; return nil })
	addSession(t, embedded, "ok", func() error { cleaned.Store(true); return nil })

	coord := NewCoordinator(50*time.Millisecond, interactive, embedded)
	start := time.Now()
	err := coord.Shutdown(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "hung")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, cleaned.Load(), "healthy session was not cleaned up")
	assert.Zero(t, interactive.Len()+embedded.Len(), "sessions survived shutdown")
}

func TestShutdownRunsOnceAndClosersInReverse(t *testing.T) {
	coord := NewCoordinator(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) CloseFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}
	}
	coord.Register("ledger", record("ledger", nil))
	coord.Register("mongo", record("mongo", errors.New("disconnect failed")))
	coord.Register("redis", record("redis", nil))
	coord.Register("http", record("http", errors.New("server busy")))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = coord.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"http", "redis", "mongo", "ledger"}, order)
	for _, err := range errs {
		assert.ErrorContains(t, err, "close http: server busy")
	}
	assert.True(t, coord.ShuttingDown())
	select {
	case <-coord.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
}

func TestShutdownRecoversPanickingCloser(t *testing.T) {
	coord := NewCoordinator(time.Second)
	var ran atomic.Bool
	coord.Register("first", func(context.Context) error { ran.Store(true); return nil })
	coord.Register("bad", func(context.Context) error { panic("boom") })

	err := coord.Shutdown(context.Background())
	assert.ErrorContains(t, err, "panic: boom")
	assert.True(t, ran.Load())
}

func TestLifecycleShutdownOnParentCancel(t *testing.T) {
	reg := sessions.NewRegistry("interactive")
	addSession(t, reg, "t1", func() error { return nil })

	parent, cancel := context.WithCancel(context.Background())
	lc := New(parent, NewCoordinator(time.Second, reg), 5*time.Second)

	done := make(chan error, 1)
	go func() { done <- lc.Wait() }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Zero(t, reg.Len())
	assert.Error(t, lc.Context().Err())

	// a second shutdown is a no-op
	assert.NoError(t, lc.Shutdown(context.Background()))
}
