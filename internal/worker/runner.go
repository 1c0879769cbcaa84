package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the background workers. One failing worker cancels the
// rest; a clean shutdown is a context cancellation, which every worker
// treats as a nil return.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers and blocks until they finish, returning the first
// non-nil error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			slog.Info("worker stopped", "worker", w.Name())
			return err
		})
	}
	return g.Wait()
}
