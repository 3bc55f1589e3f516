// Package cleanup removes data directories nothing references: index
// directories of dropped documents and the private directories of chat or
// MCP processes that exited without cleaning up.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper deletes unused index directories and reports how many it removed.
// Implemented by registry.Registry.
type Sweeper interface {
	Sweep() (int, error)
}

// Worker runs a Sweeper on a fixed interval.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to 10 minutes.
func NewWorker(s Sweeper, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Worker{
		sweeper:  s,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.RunOnce()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the number of directories removed.
func (w *Worker) RunOnce() int {
	removed, err := w.sweeper.Sweep()
	if err != nil {
		w.logger.Warn("index cleanup failed", "removed", removed, "error", err)
		return removed
	}
	if removed > 0 {
		w.logger.Debug("index cleanup finished", "removed", removed)
	}
	return removed
}
