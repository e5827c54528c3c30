// Package sweeper provides a worker that periodically deletes greylist
// records whose visa or retry window has elapsed. It runs at a fixed
// interval until the context is done or Stop is called, and logs how many
// records each run removed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
)

// Greylist is the part of the greylist engine the sweeper needs. It allows
// mocking in tests.
type Greylist interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

const minAllowedInterval = time.Minute

type Worker struct {
	greylist Greylist
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a new sweeper Worker.
func New(gl Greylist, interval time.Duration) *Worker {
	return &Worker{
		greylist: gl,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop in a new goroutine.
func (w *Worker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Sweeper: configured interval below minimum, using minimum", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Sweeper: worker starting", "interval", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer close(w.doneCh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Sweeper: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Sweeper: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("Sweeper: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop and waits for the current run to end.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// RunOnce performs a single sweep.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	deleted, err := w.greylist.Sweep(ctx, w.now())
	if deleted > 0 {
		metrics.SweeperDeleted.Add(float64(deleted))
	}
	if err != nil {
		metrics.SweeperRuns.WithLabelValues("failure").Inc()
		return deleted, fmt.Errorf("sweep failed after %d deletions: %w", deleted, err)
	}
	metrics.SweeperRuns.WithLabelValues("success").Inc()
	if deleted > 0 {
		logger.Info("Sweeper: deleted expired greylist records", "count", deleted, "duration", time.Since(start))
	} else {
		logger.Debug("Sweeper: nothing to delete")
	}
	return deleted, nil
}
