// Package tasks runs fire-and-forget background work with a concurrency cap.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is used when Config.MaxConcurrent is not positive.
const DefaultMaxConcurrent = 32

// Config controls a Runner.
type Config struct {
	MaxConcurrent int64
	// Timeout bounds each task. 0 leaves tasks bounded only by Close.
	Timeout time.Duration
}

// Runner spawns background tasks. Go never blocks the caller: each task gets
// its own goroutine, which then waits for one of MaxConcurrent slots.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a Runner whose tasks run under ctx.
func NewRunner(ctx context.Context, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout: cfg.Timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go schedules fn. It reports false when the runner is closed and fn will
// never run. Errors and panics from fn are logged.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("task runner closed, dropping task", "task", name)
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.logger.Debug("task cancelled before start", "task", name)
			return
		}
		defer r.sem.Release(1)
		// Acquire may win a slot freed by the cancellation itself.
		if r.ctx.Err() != nil {
			r.logger.Debug("task cancelled before start", "task", name)
			return
		}
		r.run(name, fn)
	}()
	return true
}

func (r *Runner) run(name string, fn func(ctx context.Context) error) {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("task panicked", "task", name, "panic", v)
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Warn("task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("task completed", "task", name, "duration", time.Since(start))
}

// Close stops accepting tasks, cancels the ones still running or waiting,
// and waits for them to return or for ctx to expire.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
