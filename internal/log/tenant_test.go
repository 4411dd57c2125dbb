package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSink(t *testing.T, cfg SinkConfig) (*Sink, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sink := NewSink(cfg)
	sink.now = clock.now
	return sink, clock
}

func TestTenantLogRingTrimsOldestFifth(t *testing.T) {
	sink, clock := newTestSink(t, SinkConfig{Capacity: 10})
	tl, err := sink.Open("profile-1")
	require.NoError(t, err)
	defer tl.Close()

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		tl.Infow(fmt.Sprintf("entry %d", i))
	}
	require.Len(t, tl.Entries(), 10)

	clock.advance(time.Second)
	tl.Infow("entry 10")

	entries := tl.Entries()
	require.Len(t, entries, 9)
	assert.Equal(t, "entry 2", entries[0].Message)
	assert.Equal(t, "entry 10", entries[len(entries)-1].Message)
}

func TestTenantLogDefaultCapacity(t *testing.T) {
	sink, clock := newTestSink(t, SinkConfig{})
	tl, err := sink.Open("profile-1")
	require.NoError(t, err)
	defer tl.Close()

	for i := 0; i <= DefaultRingCapacity; i++ {
		clock.advance(time.Millisecond * 200)
		tl.Append(zapcore.InfoLevel, fmt.Sprintf("entry %d", i))
	}

	assert.Len(t, tl.Entries(), DefaultRingCapacity-DefaultRingCapacity/5+1)
}

func TestTenantLogSuppressesDuplicatesInsideWindow(t *testing.T) {
	sink, clock := newTestSink(t, SinkConfig{})
	tl, err := sink.Open("widget-7")
	require.NoError(t, err)
	defer tl.Close()

	assert.True(t, tl.Append(zapcore.WarnLevel, "provider slow"))
	clock.advance(50 * time.Millisecond)
	assert.False(t, tl.Append(zapcore.WarnLevel, "provider slow"))

	// different level is not a duplicate
	assert.True(t, tl.Append(zapcore.ErrorLevel, "provider slow"))

	clock.advance(150 * time.Millisecond)
	assert.True(t, tl.Append(zapcore.ErrorLevel, "provider slow"))

	assert.Len(t, tl.Entries(), 3)
	assert.Equal(t, 1, tl.Suppressed())
}

func TestTenantLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	sink, clock := newTestSink(t, SinkConfig{Dir: dir})

	tl, err := sink.Open("widget/../7")
	require.NoError(t, err)

	tl.Infow("session_started", "tools", 3)
	clock.advance(time.Second)
	tl.Warnw("provider_failed", "provider", "search")
	require.NoError(t, tl.Close())
	require.NoError(t, tl.Close())

	f, err := os.Open(filepath.Join(dir, "widget_.._7.log"))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "session_started", lines[0]["msg"])
	assert.Equal(t, "widget/../7", lines[0]["tenant"])
	assert.Equal(t, float64(3), lines[0]["tools"])
	assert.Equal(t, "warn", lines[1]["level"])
}

func TestTenantLogClosedRejectsAppends(t *testing.T) {
	sink, _ := newTestSink(t, SinkConfig{})
	tl, err := sink.Open("profile-1")
	require.NoError(t, err)

	require.NoError(t, tl.Close())
	assert.False(t, tl.Append(zapcore.InfoLevel, "late"))
	assert.Empty(t, tl.Entries())
}
