package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProviderTimeout = 20 * time.Second
	DefaultTotalTimeout    = 60 * time.Second
)

// ErrProviderTimeout is recorded for providers that did not connect in time.
var ErrProviderTimeout = errors.New("tool provider timed out")

// Initializer connects a set of providers concurrently under timeout budgets.
type Initializer struct {
	Connector       Connector
	ProviderTimeout time.Duration
	TotalTimeout    time.Duration
}

// NewInitializer creates an initializer using the default timeouts.
func NewInitializer(connector Connector) *Initializer {
	return &Initializer{
		Connector:       connector,
		ProviderTimeout: DefaultProviderTimeout,
		TotalTimeout:    DefaultTotalTimeout,
	}
}

// Outcome is the result of initializing a set of providers.
type Outcome struct {
	// Tools from every provider that connected in time, ordered by provider name.
	Tools []Tool
	// Providers lists the providers that connected in time, sorted.
	Providers []string
	// FailedProviders lists the providers that errored or timed out, sorted.
	FailedProviders []string
	// Errors holds the failure of each failed provider.
	Errors map[string]error

	mu      sync.Mutex
	conns   []*Connection
	cleaned bool
}

// adopt takes ownership of a connection. Connections adopted after Cleanup
// are closed immediately.
func (o *Outcome) adopt(conn *Connection) {
	o.mu.Lock()
	if !o.cleaned {
		o.conns = append(o.conns, conn)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err := conn.Close(); err != nil {
		zap.S().Warnw("late_provider_close_failed", "provider", conn.Provider, "error", err)
	}
}

// Cleanup closes every connection the outcome owns, including providers that
// connected after the outcome was built. Only the first call does any work.
func (o *Outcome) Cleanup() error {
	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return nil
	}
	o.cleaned = true
	conns := o.conns
	o.conns = nil
	o.mu.Unlock()

	errs := make([]error, len(conns))
	var g errgroup.Group
	for i, conn := range conns {
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", conn.Provider, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

type providerResult struct {
	name    string
	conn    *Connection
	err     error
	elapsed time.Duration
}

// Initialize connects every spec. It never fails as a whole: providers that
// error or miss their timeout are listed in FailedProviders.
func (i *Initializer) Initialize(ctx context.Context, specs map[string]ProviderSpec) *Outcome {
	out := &Outcome{Errors: make(map[string]error)}
	if len(specs) == 0 {
		return out
	}

	providerTimeout := cmpDuration(i.ProviderTimeout, DefaultProviderTimeout)
	totalTimeout := cmpDuration(i.TotalTimeout, DefaultTotalTimeout)

	results := make(chan providerResult, len(specs))
	pending := make(map[string]struct{}, len(specs))

	for name, spec := range specs {
		if spec.Name == "" {
			spec.Name = name
		}
		pending[name] = struct{}{}

		timeout := providerTimeout
		if d, err := spec.timeout(); err == nil && d > 0 {
			timeout = d
		}

		go func() {
			results <- i.connectOne(ctx, name, spec, timeout, out)
		}()
	}

	total := time.NewTimer(totalTimeout)
	defer total.Stop()

	conns := make(map[string]*Connection, len(specs))

collect:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.name)
			if r.err != nil {
				out.Errors[r.name] = r.err
				zap.S().Warnw("provider_init_failed", "provider", r.name, "error", r.err, "elapsed", r.elapsed)
				continue
			}
			conns[r.name] = r.conn
			metrics.ProviderInitDuration.WithLabelValues(r.name).Observe(r.elapsed.Seconds())
			zap.S().Debugw("provider_init_ok", "provider", r.name, "tools", len(r.conn.Tools), "elapsed", r.elapsed)

		case <-total.C:
			for name := range pending {
				out.Errors[name] = fmt.Errorf("%w: total budget of %s exhausted", ErrProviderTimeout, totalTimeout)
				zap.S().Warnw("provider_init_failed", "provider", name, "error", out.Errors[name])
			}
			break collect
		}
	}

	out.build(conns)

	// Providers still pending when the budget ran out report later; any
	// connection they produce belongs to the outcome.
	if late := len(pending); late > 0 {
		go func() {
			for range late {
				if r := <-results; r.conn != nil {
					zap.S().Infow("late_provider_adopted", "provider", r.name)
					out.adopt(r.conn)
				}
			}
		}()
	}

	return out
}

// connectOne races one connection against its timeout. A connection that
// arrives after the timeout is handed to the outcome for cleanup.
func (i *Initializer) connectOne(ctx context.Context, name string, spec ProviderSpec, timeout time.Duration, out *Outcome) providerResult {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type connected struct {
		conn *Connection
		err  error
	}
	done := make(chan connected, 1)
	go func() {
		conn, err := i.Connector.Connect(pctx, spec)
		done <- connected{conn, err}
	}()

	select {
	case r := <-done:
		res := providerResult{name: name, conn: r.conn, err: r.err, elapsed: time.Since(start)}
		if res.err == nil && res.conn == nil {
			res.err = fmt.Errorf("provider %s returned no connection", name)
		}
		if res.err != nil && pctx.Err() == context.DeadlineExceeded {
			res.err = fmt.Errorf("%w after %s: %v", ErrProviderTimeout, timeout, res.err)
		}
		return res
	case <-pctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				zap.S().Infow("timed_out_provider_adopted", "provider", name)
				out.adopt(r.conn)
			}
		}()
		err := pctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrProviderTimeout, timeout)
		}
		return providerResult{name: name, err: err, elapsed: time.Since(start)}
	}
}

func (o *Outcome) build(conns map[string]*Connection) {
	for name := range o.Errors {
		o.FailedProviders = append(o.FailedProviders, name)
		metrics.ProviderInitFailures.WithLabelValues(name).Inc()
	}
	slices.Sort(o.FailedProviders)

	for name := range conns {
		o.Providers = append(o.Providers, name)
	}
	slices.Sort(o.Providers)

	seen := make(map[string]string)
	for _, name := range o.Providers {
		conn := conns[name]
		o.adopt(conn)
		for _, tool := range conn.Tools {
			toolName := Name(tool)
			if owner, dup := seen[toolName]; dup {
				zap.S().Warnw("duplicate_tool_skipped", "tool", toolName, "provider", name, "kept_from", owner)
				continue
			}
			seen[toolName] = name
			o.Tools = append(o.Tools, tool)
		}
	}
}

func cmpDuration(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
