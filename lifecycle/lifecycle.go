package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Lifecycle ties process signals to a Coordinator. Create one at start-up.
type Lifecycle struct {
	coord  *Coordinator
	ctx    context.Context
	stop   context.CancelFunc
	budget time.Duration
}

// New listens for interrupt and terminate. budget bounds the whole
// shutdown started by a signal; zero means no overall bound.
func New(parent context.Context, coord *Coordinator, budget time.Duration) *Lifecycle {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return &Lifecycle{coord: coord, ctx: ctx, stop: stop, budget: budget}
}

// Context is cancelled when a shutdown signal arrives or Shutdown starts.
func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

// Coordinator returns the shutdown coordinator.
func (l *Lifecycle) Coordinator() *Coordinator {
	return l.coord
}

// Wait blocks until a signal arrives or the parent context ends, then shuts down.
func (l *Lifecycle) Wait() error {
	<-l.ctx.Done()
	zap.S().Infow("shutdown_signal", "cause", context.Cause(l.ctx))
	return l.Shutdown(context.Background())
}

// Shutdown stops listening for signals and runs the coordinator. It is safe
// to call more than once and from several goroutines.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.stop()
	if l.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.budget)
		defer cancel()
	}
	return l.coord.Shutdown(ctx)
}
