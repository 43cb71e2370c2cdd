package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// maxErrorLen caps the error text stored on a job row.
const maxErrorLen = 1000

// FatalMarkerPrefix prefixes last_error on force-published jobs.
const FatalMarkerPrefix = "fatal: "

// Config holds scheduler tuning.
type Config struct {
	BatchSize    int
	MaxAttempts  int
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		BatchSize:    20,
		MaxAttempts:  5,
		LeaseTimeout: 2 * time.Minute,
		PollInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// BatchResult is the explicit outcome of one Tick.
type BatchResult struct {
	Claimed        int      `json:"claimed"`
	Processed      int      `json:"processed"`
	Failed         int      `json:"failed"`
	Retried        int      `json:"retried"`
	FatalPublished int      `json:"fatal_published"`
	DeadLettered   int      `json:"dead_lettered"`
	DeadLetterIDs  []int64  `json:"dead_letter_ids,omitempty"`
	ChainedJobKeys []string `json:"chained_job_keys,omitempty"`
}

// Scheduler claims and processes outbox jobs.
//
// Thread-safety: a Scheduler holds no mutable state between ticks, so one
// instance may be shared, but the intended deployment is one Scheduler per
// worker process. Mutual exclusion between workers comes from the store.
type Scheduler struct {
	store    *store.Store
	registry *Registry
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for leases and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a scheduler dispatching to registry.
func NewScheduler(st *store.Store, registry *Registry, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		registry: registry,
		cfg:      cfg.withDefaults(),
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Tick runs one sweep, claims one batch and processes it sequentially.
// Per-job failures are recorded and counted, never returned; the error
// result is reserved for sweep/claim failures and cancellation.
func (s *Scheduler) Tick(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	claimed, swept, err := s.claim(ctx)
	if err != nil {
		return result, err
	}
	result.DeadLettered += len(swept)
	result.DeadLetterIDs = append(result.DeadLetterIDs, swept...)
	result.Claimed = len(claimed)

	for _, id := range claimed {
		if err := ctx.Err(); err != nil {
			// Unprocessed claims stay leased and are reclaimed after expiry.
			s.logger.Info("tick interrupted", "remaining", result.Claimed-result.Processed-result.Failed)
			return result, err
		}
		s.processJob(ctx, id, &result)
	}

	if result.Claimed > 0 || result.DeadLettered > 0 {
		s.logger.Info("outbox batch done",
			"claimed", result.Claimed,
			"processed", result.Processed,
			"failed", result.Failed,
			"fatal_published", result.FatalPublished,
			"dead_lettered", result.DeadLettered,
			"chained", len(result.ChainedJobKeys),
		)
	}
	return result, nil
}

// claim runs the dead-letter sweep and leases a batch in one transaction.
func (s *Scheduler) claim(ctx context.Context) (claimed, swept []int64, err error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.LeaseTimeout)

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		swept, err = tx.SweepDeadLetters(ctx, s.cfg.MaxAttempts, now, cutoff)
		if err != nil {
			return err
		}
		for _, id := range swept {
			s.logger.Warn("job dead-lettered by sweep", "job_id", id)
		}

		candidates, err := tx.SelectClaimable(ctx, s.cfg.BatchSize, s.cfg.MaxAttempts, cutoff)
		if err != nil {
			return err
		}
		for _, id := range candidates {
			ok, err := tx.ClaimJob(ctx, id, s.cfg.MaxAttempts, now, cutoff)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, swept, nil
}

// processJob runs one claimed job in its own transaction and folds the
// outcome into result.
func (s *Scheduler) processJob(ctx context.Context, id int64, result *BatchResult) {
	var (
		job     store.OutboxJob
		handler Handler
		res     Result
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = tx.GetOutboxJob(ctx, id)
		if err != nil {
			return err
		}
		var ok bool
		handler, ok = s.registry.Lookup(job.EventType)
		if !ok {
			return &UnhandledError{EventType: job.EventType}
		}

		res, err = handler.Handle(ctx, tx, job)
		if err != nil {
			return err
		}

		marker := ""
		if res.Fatal {
			marker = truncate(FatalMarkerPrefix + res.FatalReason)
		}
		return tx.MarkPublished(ctx, id, s.clock.Now(), marker)
	})
	if err == nil {
		result.Processed++
		if res.Fatal {
			result.FatalPublished++
			s.logger.Warn("job force-published on fatal input",
				"job_id", id, "event_type", job.EventType, "reason", res.FatalReason)
		}
		for _, c := range res.Chained {
			if c.Inserted {
				result.ChainedJobKeys = append(result.ChainedJobKeys, c.JobKey)
			}
		}
		return
	}

	result.Failed++
	dead, recErr := s.recordFailure(ctx, job, handler, id, err)
	if recErr != nil {
		// The lease expires on its own; the attempt is already counted.
		s.logger.Error("failed to record job failure", "job_id", id, "error", recErr, "cause", err)
		return
	}
	if dead {
		result.DeadLettered++
		result.DeadLetterIDs = append(result.DeadLetterIDs, id)
		s.logger.Warn("job dead-lettered", "job_id", id, "event_type", job.EventType, "error", err)
		return
	}
	result.Retried++
	s.logger.Info("job failed, will retry", "job_id", id, "event_type", job.EventType, "error", err)
}

// recordFailure commits the failure bookkeeping that must survive the job
// rollback: the handler's own counters, the error text and the lease.
func (s *Scheduler) recordFailure(ctx context.Context, job store.OutboxJob, handler Handler, id int64, cause error) (bool, error) {
	var dead bool
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if fr, ok := handler.(FailureRecorder); ok && job.ID != 0 {
			if err := fr.RecordFailure(ctx, tx, job, cause); err != nil {
				return err
			}
		}
		var err error
		dead, err = tx.RecordJobFailure(ctx, id, truncate(cause.Error()), s.cfg.MaxAttempts, s.clock.Now())
		return err
	})
	return dead, err
}

// Replay resets a dead-lettered (or still pending) job so it is claimable
// again with a fresh attempt budget. Published jobs cannot be replayed.
func (s *Scheduler) Replay(ctx context.Context, id int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetOutboxJob(ctx, id); err != nil {
			return fmt.Errorf("replay job %d: %w", id, err)
		}
		ok, err := tx.ResetJob(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("replay job %d: %w", id, ErrAlreadyPublished)
		}
		s.logger.Info("job replayed", "job_id", id)
		return nil
	})
}

// ErrAlreadyPublished is returned when replaying a completed job.
var ErrAlreadyPublished = errors.New("job already published")

// Stats returns queue counts, optionally restricted to scope.
func (s *Scheduler) Stats(ctx context.Context, scope string) (store.OutboxCounts, error) {
	var counts store.OutboxCounts
	cutoff := s.clock.Now().Add(-s.cfg.LeaseTimeout)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		counts, err = tx.CountOutbox(ctx, scope, cutoff)
		return err
	})
	return counts, err
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
