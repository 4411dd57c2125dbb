package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultRingCapacity is the number of entries kept in memory per tenant.
	DefaultRingCapacity = 2000
	// DefaultDedupeWindow suppresses repeats of the same entry inside this window.
	DefaultDedupeWindow = 100 * time.Millisecond

	// on overflow the oldest fifth of the ring is dropped in one step
	trimDivisor = 5
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Entry is one record in a tenant log ring.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// SinkConfig configures tenant log handles.
type SinkConfig struct {
	// Dir receives one <tenant>.log file per tenant. Empty keeps logs in memory only.
	Dir          string
	Capacity     int
	DedupeWindow time.Duration
}

// Sink opens per-tenant log handles sharing one configuration.
type Sink struct {
	cfg SinkConfig
	now func() time.Time
}

// NewSink creates a sink, filling zero values with the defaults.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultRingCapacity
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	return &Sink{cfg: cfg, now: time.Now}
}

// Open returns a new log handle for tenantKey. The handle is owned by the
// caller and must be closed with Close.
func (s *Sink) Open(tenantKey string) (*TenantLog, error) {
	tl := &TenantLog{
		tenant:   tenantKey,
		capacity: s.cfg.Capacity,
		window:   s.cfg.DedupeWindow,
		now:      s.now,
	}

	if s.cfg.Dir == "" {
		return tl, nil
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tenant log dir: %w", err)
	}

	path := filepath.Join(s.cfg.Dir, unsafeFileChars.ReplaceAllString(tenantKey, "_")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant log %s: %w", path, err)
	}

	tl.file = &lockedFile{file: f, lock: flock.New(path + ".lock")}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), tl.file, zapcore.DebugLevel)
	tl.out = zap.New(core).Sugar().With("tenant", tenantKey)

	return tl, nil
}

// lockedFile appends under an advisory file lock so several processes can
// share one tenant log file without interleaving lines.
type lockedFile struct {
	file *os.File
	lock *flock.Flock
}

func (l *lockedFile) Write(p []byte) (int, error) {
	if err := l.lock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to lock tenant log: %w", err)
	}
	defer l.lock.Unlock()
	return l.file.Write(p)
}

func (l *lockedFile) Sync() error {
	return l.file.Sync()
}

func (l *lockedFile) Close() error {
	return l.file.Close()
}

// TenantLog is an append-only per-tenant log with a bounded in-memory ring.
type TenantLog struct {
	tenant   string
	capacity int
	window   time.Duration
	now      func() time.Time

	mu         sync.Mutex
	ring       []Entry
	lastKey    string
	lastAt     time.Time
	suppressed int
	closed     bool

	file *lockedFile
	out  *zap.SugaredLogger
}

// Tenant returns the tenant key the log belongs to.
func (t *TenantLog) Tenant() string {
	return t.tenant
}

// Append records an entry. It returns false when the entry was suppressed as
// a duplicate of the previous one or the log is closed. A nil log discards.
func (t *TenantLog) Append(level zapcore.Level, msg string, keysAndValues ...any) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	now := t.now()
	key := level.String() + "\x00" + msg
	if key == t.lastKey && now.Sub(t.lastAt) < t.window {
		t.suppressed++
		return false
	}
	t.lastKey = key
	t.lastAt = now

	if len(t.ring) >= t.capacity {
		drop := max(t.capacity/trimDivisor, 1)
		t.ring = slices.Clone(t.ring[drop:])
	}

	t.ring = append(t.ring, Entry{
		Time:    now,
		Level:   level.String(),
		Message: msg,
		Fields:  fieldMap(keysAndValues),
	})

	if t.out != nil {
		t.out.Logw(level, msg, keysAndValues...)
	}
	return true
}

func (t *TenantLog) Debugw(msg string, keysAndValues ...any) {
	t.Append(zapcore.DebugLevel, msg, keysAndValues...)
}

func (t *TenantLog) Infow(msg string, keysAndValues ...any) {
	t.Append(zapcore.InfoLevel, msg, keysAndValues...)
}

func (t *TenantLog) Warnw(msg string, keysAndValues ...any) {
	t.Append(zapcore.WarnLevel, msg, keysAndValues...)
}

func (t *TenantLog) Errorw(msg string, keysAndValues ...any) {
	t.Append(zapcore.ErrorLevel, msg, keysAndValues...)
}

// Entries returns a copy of the ring, oldest first.
func (t *TenantLog) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.ring)
}

// Suppressed returns how many duplicate entries were dropped.
func (t *TenantLog) Suppressed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}

// Close flushes and releases the file handle. It is safe to call more than once.
func (t *TenantLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.file == nil {
		return nil
	}
	_ = t.out.Sync()
	return t.file.Close()
}

func fieldMap(keysAndValues []any) map[string]any {
	if len(keysAndValues) == 0 {
		return nil
	}
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
