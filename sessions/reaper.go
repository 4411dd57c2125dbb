package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultReapInterval  = 10 * time.Minute
	DefaultIdleThreshold = 30 * time.Minute
	// DefaultEvictTimeout bounds the cleanup of one evicted session.
	DefaultEvictTimeout = 10 * time.Second
)

// ReaperConfig controls idle eviction.
type ReaperConfig struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	EvictTimeout  time.Duration
}

// Reaper periodically ends sessions that have been idle too long.
type Reaper struct {
	registries []*Registry
	cfg        ReaperConfig
	cron       *cron.Cron
	now        func() time.Time
}

// NewReaper creates a reaper over the given registries. Zero config fields take defaults.
func NewReaper(cfg ReaperConfig, registries ...*Registry) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.EvictTimeout <= 0 {
		cfg.EvictTimeout = DefaultEvictTimeout
	}
	return &Reaper{
		registries: registries,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Start schedules the sweep. It returns an error if the schedule cannot be parsed.
func (r *Reaper) Start() error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule reaper %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	zap.S().Debugw("reaper_started", "interval", r.cfg.Interval, "idle_threshold", r.cfg.IdleThreshold)
	return nil
}

// Stop halts the schedule and waits for a running sweep, or until ctx ends.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep ends every session idle for longer than the threshold and returns
// the number evicted. A failing eviction is logged and does not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.IdleThreshold)
	evicted := 0
	for _, reg := range r.registries {
		for _, s := range reg.Snapshot() {
			if !s.LastActive().Before(cutoff) {
				continue
			}
			if r.evict(ctx, reg, s.Key(), cutoff) {
				evicted++
			}
		}
	}
	if evicted > 0 {
		zap.S().Infow("reaper_sweep", "evicted", evicted)
	}
	return evicted
}

func (r *Reaper) evict(ctx context.Context, reg *Registry, key string, cutoff time.Time) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			zap.S().Errorw("reaper_evict_panic", "scope", reg.Scope(), "tenant", key, "panic", p)
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.EvictTimeout)
	defer cancel()

	err := reg.EndIdle(ctx, key, cutoff)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSessionNotFound):
		// ended concurrently
		return false
	case errors.Is(err, ErrSessionActive):
		// used again since the snapshot
		return false
	default:
		// the session is already removed; only its cleanup failed
		zap.S().Warnw("reaper_evict_failed", "scope", reg.Scope(), "tenant", key, "error", err)
		return true
	}
}
