// Package scheduler drives submitted jobs to a terminal state by polling the
// runner with exponential backoff.
//
// All scheduling state lives on the job record: a sweeper lists jobs whose
// NextPollAt has passed and hands them to a worker pool, and each tick claims
// its job with a compare-and-swap lease before calling the runner. Nothing is
// kept in process, so a restarted scheduler picks up where the last one
// stopped, and several schedulers may share one store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
	"trainingjobs/internal/observability"
	"trainingjobs/pkg/backoff"
)

// FanOut applies completion side effects for a job.
type FanOut interface {
	Apply(ctx context.Context, j *job.Job) (*job.DerivedArtifact, error)
}

// errNotDue aborts a claim whose job is no longer due.
var errNotDue = errors.New("job not due")

// errLostClaim aborts an update after another tick took over the job.
var errLostClaim = errors.New("claim lost")

// Scheduler sweeps due jobs and polls them.
type Scheduler struct {
	store   job.Store
	runner  job.Runner
	fanout  FanOut
	metrics *observability.Metrics
	limiter *rate.Limiter
	backoff *backoff.Config
	cfg     Config
	logger  *slog.Logger

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}

	started  atomic.Bool
	closed   atomic.Bool
	cancel   context.CancelFunc
	sweeper  sync.WaitGroup
	workers  sync.WaitGroup
	ticks    atomic.Int64
	shutdown chan struct{}
}

// New creates a scheduler. Call Start to begin sweeping.
func New(store job.Store, runner job.Runner, fanout FanOut, metrics *observability.Metrics, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	return &Scheduler{
		store:    store,
		runner:   runner,
		fanout:   fanout,
		metrics:  metrics,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		backoff:  &backoff.Config{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Multiplier: 2},
		cfg:      cfg,
		logger:   slog.With("component", "scheduler"),
		queue:    make(chan string, cfg.BatchSize),
		inflight: make(map[string]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start launches the sweeper and the worker pool.
func (s *Scheduler) Start() {
	if s.started.Swap(true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.workers.Add(s.cfg.Workers)
	for range s.cfg.Workers {
		go s.worker(ctx)
	}

	s.sweeper.Add(1)
	go s.sweep(ctx)

	s.logger.Info("Scheduler started",
		"workers", s.cfg.Workers,
		"sweepInterval", s.cfg.SweepInterval,
		"backoffMax", s.cfg.BackoffMax,
	)
}

// Close stops sweeping and waits for in-flight ticks. Queued jobs that were
// not started stay due in the store. When ctx expires first, running ticks
// are cancelled; their leases expire and the jobs are picked up again later.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.started.Load() || s.closed.Swap(true) {
		return nil
	}

	close(s.shutdown)
	s.sweeper.Wait()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("Scheduler shutdown complete", "ticks", s.ticks.Load())
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("Scheduler shutdown timed out, in-flight ticks cancelled")
		return ctx.Err()
	}
}

// sweep lists due jobs every SweepInterval and queues them.
func (s *Scheduler) sweep(ctx context.Context) {
	defer s.sweeper.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.cfg.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("Failed to list due jobs", "error", err)
		return
	}
	s.metrics.RecordPollBacklog(ctx, int64(len(due)))

	for _, j := range due {
		if !s.markInflight(j.ID) {
			continue
		}
		select {
		case s.queue <- j.ID:
		case <-s.shutdown:
			s.clearInflight(j.ID)
			return
		default:
			// Queue full; the job is still due and the next sweep retries it
			s.clearInflight(j.ID)
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.workers.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case id := <-s.queue:
			if err := s.Tick(ctx, id); err != nil {
				s.logger.Warn("Tick failed", "jobId", id, "error", err)
			}
			s.clearInflight(id)
		}
	}
}

func (s *Scheduler) markInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// Tick runs one scheduled step for a job: a status poll for a submitted or
// polling job, or a fan-out retry for a completed one. A job that is not due,
// or that another tick claimed first, is left alone.
func (s *Scheduler) Tick(ctx context.Context, id string) error {
	s.ticks.Add(1)

	j, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}

	now := s.cfg.Now()
	if !j.Due(now) {
		return nil
	}

	claimed, err := s.claim(ctx, j, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, errNotDue) {
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}

	if claimed.State == job.StateCompleted {
		return s.runFanOut(ctx, claimed)
	}
	return s.poll(ctx, claimed)
}

// claim takes the lease on a due job. Submitted jobs move to polling.
func (s *Scheduler) claim(ctx context.Context, j *job.Job, now time.Time) (*job.Job, error) {
	return s.store.Update(ctx, j.ID, j.State, func(cur *job.Job) error {
		if !cur.Due(now) {
			return errNotDue
		}
		if cur.State == job.StateSubmitted {
			cur.State = job.StatePolling
		}
		cur.ClaimedUntil = now.Add(s.cfg.ClaimTimeout)
		return nil
	})
}

// poll asks the runner for the job's status and records the outcome.
func (s *Scheduler) poll(ctx context.Context, j *job.Job) error {
	logger := s.logger.With("jobId", j.ID, "externalId", j.ExternalID)

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	var status *job.RunStatus
	var pollErr error
	if j.ExternalID == "" {
		pollErr = apperrors.Poll("scheduler.poll", errors.New("job has no external ID"))
	} else {
		status, pollErr = s.runner.PollStatus(ctx, j.ExternalID)
		if pollErr == nil {
			pollErr = checkStatus(status)
		}
	}
	elapsed := time.Since(start).Seconds()

	// Shutdown mid-poll: leave the lease to expire rather than count a failure
	if pollErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	now := s.cfg.Now()
	var outcome string
	updated, err := s.store.Update(ctx, j.ID, job.StatePolling, func(cur *job.Job) error {
		if !cur.ClaimedUntil.Equal(j.ClaimedUntil) {
			return errLostClaim
		}
		cur.ClaimedUntil = time.Time{}
		outcome = s.applyOutcome(cur, status, pollErr, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, errLostClaim) {
			// Cancelled or re-claimed while the poll was in flight
			logger.Info("Discarding poll result, job changed meanwhile")
			return nil
		}
		return fmt.Errorf("record poll: %w", err)
	}

	s.metrics.RecordPoll(ctx, outcome, elapsed)

	switch updated.State {
	case job.StatePolling:
		if pollErr != nil {
			logger.Warn("Transient poll error, will retry",
				"retries", updated.PollRetries,
				"nextPollAt", updated.NextPollAt,
				"error", pollErr,
			)
		} else {
			logger.Debug("Job still running", "pollCount", updated.PollCount, "nextPollAt", updated.NextPollAt)
		}
		return nil

	case job.StateFailed:
		logger.Warn("Job failed", "reason", updated.Reason, "error", updated.Error)
		s.metrics.RecordJobFinished(ctx, updated.Payload.ModelType, false, updated.UpdatedAt.Sub(updated.CreatedAt).Seconds())
		return nil

	case job.StateCompleted:
		logger.Info("Job completed", "accuracy", updated.Result.Accuracy, "pollCount", updated.PollCount)
		s.metrics.RecordJobFinished(ctx, updated.Payload.ModelType, true, updated.UpdatedAt.Sub(updated.CreatedAt).Seconds())
		return s.runFanOut(ctx, updated)
	}
	return nil
}

// applyOutcome folds one poll result into the job and returns the outcome
// label for metrics.
func (s *Scheduler) applyOutcome(cur *job.Job, status *job.RunStatus, pollErr error, now time.Time) string {
	switch {
	case pollErr == nil && status.State == job.RunCompleted:
		cur.State = job.StateCompleted
		cur.Result = status.Result
		cur.FanOutPending = true
		// Due immediately, so a crash before fan-out finishes is retried
		// once the lease below expires.
		cur.NextPollAt = now
		cur.ClaimedUntil = now.Add(s.cfg.ClaimTimeout)
		return observability.PollCompleted

	case pollErr == nil && status.State == job.RunFailed:
		cur.State = job.StateFailed
		cur.Reason = job.ReasonRunnerFailed
		cur.Error = status.Error
		cur.NextPollAt = time.Time{}
		return observability.PollFailed

	case pollErr == nil:
		cur.PollCount++
		cur.PollRetries = 0
		cur.NextPollAt = now.Add(s.interval(cur.PollCount))
		return observability.PollRunning

	case errors.Is(pollErr, apperrors.ErrTransientPoll):
		cur.PollRetries++
		if cur.PollRetries > s.cfg.MaxPollRetries {
			cur.State = job.StateFailed
			cur.Reason = job.ReasonPollExhausted
			cur.Error = apperrors.PollExhausted(cur.PollRetries, pollErr).Error()
			cur.NextPollAt = time.Time{}
			return observability.PollExhausted
		}
		cur.NextPollAt = now.Add(s.interval(cur.PollCount))
		return observability.PollTransient

	default:
		cur.State = job.StateFailed
		cur.Reason = job.ReasonPollError
		cur.Error = pollErr.Error()
		cur.NextPollAt = time.Time{}
		return observability.PollError
	}
}

// checkStatus rejects runner answers the job record cannot hold. A completed
// run must carry its result.
func checkStatus(status *job.RunStatus) error {
	switch {
	case status == nil:
		return apperrors.Poll("scheduler.poll", errors.New("runner returned no status"))
	case status.State == job.RunCompleted && status.Result == nil:
		return apperrors.Poll("scheduler.poll", errors.New("completed status without result"))
	}
	return nil
}

// interval is the delay before the next poll after pollCount running
// responses. It never exceeds BackoffMax.
func (s *Scheduler) interval(pollCount int) time.Duration {
	return backoff.Exponential(max(pollCount, 1), s.backoff)
}

// runFanOut applies completion side effects for a claimed completed job.
// Success clears FanOutPending; failure schedules another attempt.
func (s *Scheduler) runFanOut(ctx context.Context, j *job.Job) error {
	logger := s.logger.With("jobId", j.ID)

	_, fanErr := s.fanout.Apply(ctx, j)

	now := s.cfg.Now()
	_, err := s.store.Update(ctx, j.ID, job.StateCompleted, func(cur *job.Job) error {
		if !cur.ClaimedUntil.Equal(j.ClaimedUntil) {
			return errLostClaim
		}
		cur.ClaimedUntil = time.Time{}
		if fanErr != nil {
			cur.NextPollAt = now.Add(s.cfg.FanOutRetryDelay)
			return nil
		}
		cur.FanOutPending = false
		cur.NextPollAt = time.Time{}
		return nil
	})
	if err != nil && !errors.Is(err, errLostClaim) && !errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("record fan-out: %w", err)
	}

	if fanErr != nil {
		logger.Warn("Fan-out incomplete, will retry", "retryIn", s.cfg.FanOutRetryDelay, "error", fanErr)
		return nil
	}
	logger.Debug("Fan-out complete")
	return nil
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()
	return Stats{
		Ticks:    s.ticks.Load(),
		Inflight: inflight,
		Queued:   len(s.queue),
	}
}

// Stats holds scheduler counters.
type Stats struct {
	Ticks    int64 // total ticks run
	Inflight int   // jobs queued or being ticked
	Queued   int   // jobs waiting for a worker
}
