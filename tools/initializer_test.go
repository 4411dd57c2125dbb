package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector connects instantly unless a provider is told to hang, fail or
// wait for a release signal.
type fakeConnector struct {
	mu       sync.Mutex
	hang     map[string]bool          // waits for ctx
	release  map[string]chan struct{} // ignores ctx until released
	fail     map[string]error
	closeErr map[string]error
	connects map[string]int
	closed   map[string]int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		hang:     map[string]bool{},
		release:  map[string]chan struct{}{},
		fail:     map[string]error{},
		closeErr: map[string]error{},
		connects: map[string]int{},
		closed:   map[string]int{},
	}
}

func (f *fakeConnector) Connect(ctx context.Context, spec ProviderSpec) (*Connection, error) {
	f.mu.Lock()
	f.connects[spec.Name]++
	hang := f.hang[spec.Name]
	release := f.release[spec.Name]
	failErr := f.fail[spec.Name]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if release != nil {
		<-release
	}
	if failErr != nil {
		return nil, failErr
	}

	tool := &namedTool{name: spec.Name + "_tool"}
	return NewConnection(spec.Name, []Tool{tool}, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed[spec.Name]++
		return f.closeErr[spec.Name]
	}), nil
}

func (f *fakeConnector) closedCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[name]
}

func specsFor(names ...string) map[string]ProviderSpec {
	specs := make(map[string]ProviderSpec, len(names))
	for _, n := range names {
		specs[n] = ProviderSpec{Name: n, Command: "unused"}
	}
	return specs
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, Name(t))
	}
	return names
}

func TestInitializeToleratesTimedOutProviders(t *testing.T) {
	for _, tc := range []struct {
		name    string
		all     []string
		timeout []string
	}{
		{name: "none", all: []string{"a", "b", "c"}},
		{name: "one of three", all: []string{"a", "b", "c"}, timeout: []string{"b"}},
		{name: "two of five", all: []string{"a", "b", "c", "d", "e"}, timeout: []string{"d", "a"}},
		{name: "all", all: []string{"a", "b"}, timeout: []string{"a", "b"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConnector()
			for _, n := range tc.timeout {
				conn.hang[n] = true
			}
			init := &Initializer{Connector: conn, ProviderTimeout: 30 * time.Millisecond, TotalTimeout: 2 * time.Second}

			out := init.Initialize(context.Background(), specsFor(tc.all...))
			defer out.Cleanup()

			assert.Len(t, out.Tools, len(tc.all)-len(tc.timeout))
			assert.Len(t, out.FailedProviders, len(tc.timeout))
			assert.ElementsMatch(t, tc.timeout, out.FailedProviders)
			for _, n := range tc.timeout {
				assert.ErrorIs(t, out.Errors[n], ErrProviderTimeout)
			}
		})
	}
}

func TestInitializeOrdersToolsByProvider(t *testing.T) {
	init := &Initializer{Connector: newFakeConnector()}

	out := init.Initialize(context.Background(), specsFor("zeta", "alpha", "mid"))
	defer out.Cleanup()

	assert.Equal(t, []string{"alpha_tool", "mid_tool", "zeta_tool"}, toolNames(out.Tools))
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, out.Providers)
	assert.Empty(t, out.FailedProviders)
}

func TestInitializeFailedProviderIsNotRetried(t *testing.T) {
	conn := newFakeConnector()
	conn.fail["broken"] = errors.New("connection refused")
	init := NewInitializer(conn)

	out := init.Initialize(context.Background(), specsFor("ok", "broken"))
	defer out.Cleanup()

	assert.Equal(t, []string{"broken"}, out.FailedProviders)
	assert.Equal(t, []string{"ok_tool"}, toolNames(out.Tools))
	assert.EqualError(t, out.Errors["broken"], "connection refused")
	assert.Equal(t, 1, conn.connects["broken"])
}

func TestInitializeTotalTimeoutAdoptsLateProviders(t *testing.T) {
	conn := newFakeConnector()
	release := make(chan struct{})
	conn.release["slow"] = release
	init := &Initializer{Connector: conn, ProviderTimeout: 5 * time.Second, TotalTimeout: 50 * time.Millisecond}

	start := time.Now()
	out := init.Initialize(context.Background(), specsFor("fast", "slow"))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []string{"slow"}, out.FailedProviders)
	assert.ErrorIs(t, out.Errors["slow"], ErrProviderTimeout)
	assert.Equal(t, []string{"fast_tool"}, toolNames(out.Tools))

	close(release)
	require.NoError(t, out.Cleanup())

	require.Eventually(t, func() bool { return conn.closedCount("slow") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.closedCount("fast"))
}

func TestInitializeConnectionAfterProviderTimeoutIsClosed(t *testing.T) {
	conn := newFakeConnector()
	release := make(chan struct{})
	conn.release["stuck"] = release
	init := &Initializer{Connector: conn, ProviderTimeout: 20 * time.Millisecond, TotalTimeout: time.Second}

	out := init.Initialize(context.Background(), specsFor("stuck"))
	require.Equal(t, []string{"stuck"}, out.FailedProviders)
	require.NoError(t, out.Cleanup())

	// connects after cleanup already ran
	close(release)
	require.Eventually(t, func() bool { return conn.closedCount("stuck") == 1 }, time.Second, 5*time.Millisecond)
}

func TestOutcomeCleanupIsIdempotentAndJoinsErrors(t *testing.T) {
	conn := newFakeConnector()
	conn.closeErr["a"] = fmt.Errorf("a is busy")
	conn.closeErr["b"] = fmt.Errorf("b is gone")
	init := NewInitializer(conn)

	out := init.Initialize(context.Background(), specsFor("a", "b", "c"))

	err := out.Cleanup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a is busy")
	assert.Contains(t, err.Error(), "b is gone")

	assert.NoError(t, out.Cleanup())
	for _, n := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, conn.closedCount(n), n)
	}
}

func TestInitializeEmpty(t *testing.T) {
	out := NewInitializer(newFakeConnector()).Initialize(context.Background(), nil)
	assert.Empty(t, out.Tools)
	assert.Empty(t, out.FailedProviders)
	assert.NoError(t, out.Cleanup())
}
