// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"repo-crawler/internal/credentials"
	"repo-crawler/internal/metrics"
	"repo-crawler/internal/store"
)

// Worker holds what one worker goroutine owns for the whole run.
type Worker struct {
	ID int
	// Rotator is nil when the run has no credential pool.
	Rotator *credentials.Rotator
	Session store.Session
	// Jitter asks the task to stagger its writes: the store serializes writers and
	// other workers compete for it.
	Jitter bool
}

// Task processes one backlog item. A returned error aborts the run; per-item
// failures must be handled (and recorded) by the task itself.
type Task[T any] func(ctx context.Context, w *Worker, item T) error

// Config describes one run.
type Config struct {
	Name    string
	Workers int
	Store   store.Store
	Pool    *credentials.Pool
}

// Run hands every item to exactly one of cfg.Workers workers, in order. It stops
// dispatching when ctx is cancelled or a task returns an error, waits for the
// in-flight items and returns the first error. Cancellation is not an error.
func Run[T any](ctx context.Context, cfg Config, items []T, task Task[T], logger *slog.Logger) error {
	logger = logger.With("run_id", uuid.NewString(), "task", cfg.Name)

	if len(items) == 0 {
		logger.Info("Nothing to process")
		return nil
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	start := time.Now()
	logger.Info("Starting run", "items", len(items), "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan T)
	var processed atomic.Int64

	g.Go(func() error {
		defer close(queue)
		for _, item := range items {
			select {
			case queue <- item:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			sess, err := cfg.Store.Acquire(gctx)
			if err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			defer sess.Release()

			w := &Worker{
				ID:      id,
				Session: sess,
				Jitter:  cfg.Store.SerializedWrites() && workers > 1,
			}
			if cfg.Pool != nil {
				w.Rotator = cfg.Pool.NewRotator()
			}

			for item := range queue {
				if gctx.Err() != nil {
					return nil
				}
				metrics.WorkerStarted()
				err := task(gctx, w, item)
				metrics.WorkerFinished()
				if err != nil {
					return fmt.Errorf("worker %d: %w", id, err)
				}
				processed.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	elapsed := time.Since(start).Round(time.Millisecond).String()
	switch {
	case err != nil && !(ctx.Err() != nil && errors.Is(err, ctx.Err())):
		logger.Error("Run aborted", "processed", processed.Load(), "elapsed", elapsed, "error", err)
		return err
	case ctx.Err() != nil:
		logger.Info("Run interrupted", "processed", processed.Load(), "remaining", len(items)-int(processed.Load()), "elapsed", elapsed)
	default:
		logger.Info("Run finished", "processed", processed.Load(), "elapsed", elapsed)
	}
	return nil
}
