package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Worker polls the outbox with one Scheduler on a fixed interval.
//
// A Worker processes jobs on a single goroutine. Notify lets a writer in the
// same process skip the rest of the poll wait after enqueueing.
type Worker struct {
	sched    *Scheduler
	interval time.Duration
	wake     chan struct{} // buffered, size 1; coalesces notifications
	onBatch  func(BatchResult)
	logger   *slog.Logger
}

// NewWorker creates a worker for sched. onBatch, if non-nil, observes
// every tick result.
func NewWorker(sched *Scheduler, onBatch func(BatchResult)) *Worker {
	return &Worker{
		sched:    sched,
		interval: sched.cfg.PollInterval,
		wake:     make(chan struct{}, 1),
		onBatch:  onBatch,
		logger:   sched.logger.With("component", "outbox_worker"),
	}
}

// Notify asks the worker to tick now. Never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. A full batch is followed immediately
// by another tick; otherwise the worker waits for the interval or Notify.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker starting", "interval", w.interval, "batch_size", w.sched.cfg.BatchSize)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopping: context cancelled")
			return nil
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		result, err := w.sched.Tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Error("outbox tick failed", "error", err)
		}
		if w.onBatch != nil {
			w.onBatch(result)
		}

		next := w.interval
		if err == nil && result.Claimed >= w.sched.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}
