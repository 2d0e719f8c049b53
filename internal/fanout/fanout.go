// Package fanout writes the records derived from a completed job.
//
// Every completed job yields a performance metric. A/B and tuning results are
// written only when the job asked for them and the result carries the fields.
// Writes are independent and idempotent per job, so Apply may be retried
// until all of them land.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
	"trainingjobs/internal/observability"
	"trainingjobs/pkg/backoff"
)

// Record kinds, used in logs and metrics.
const (
	KindMetric = "metric"
	KindAB     = "ab_result"
	KindTuning = "tuning_result"
)

// MetricAccuracy is the name of the metric every completed job records.
const MetricAccuracy = "accuracy"

// FanOut applies completion side effects.
type FanOut struct {
	artifacts job.ArtifactStore
	notifier  job.VersionNotifier
	metrics   *observability.Metrics
	cfg       Config
	backoff   *backoff.Config
	logger    *slog.Logger
}

// New creates a FanOut. notifier and metrics may be nil.
func New(artifacts job.ArtifactStore, notifier job.VersionNotifier, metrics *observability.Metrics, cfg Config) *FanOut {
	cfg = cfg.withDefaults()
	return &FanOut{
		artifacts: artifacts,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg,
		backoff:   &backoff.Config{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		logger:    slog.With("component", "fanout"),
	}
}

// Apply writes the derived records for j and returns what exists afterwards.
// On partial failure the returned artifact holds the records that were
// written and the error wraps apperrors.ErrFanOut.
func (f *FanOut) Apply(ctx context.Context, j *job.Job) (*job.DerivedArtifact, error) {
	if j.State != job.StateCompleted || j.Result == nil {
		return nil, apperrors.Conflict("job", j.ID, fmt.Sprintf("fan-out requires a completed job, got %s", j.State))
	}

	logger := f.logger.With("jobId", j.ID)
	now := f.cfg.Now().UTC()
	out := &job.DerivedArtifact{}
	var errs []error

	metric := &job.Metric{
		JobID:     j.ID,
		UserID:    j.UserID,
		ModelType: j.Payload.ModelType,
		Dataset:   j.Payload.Dataset,
		Name:      MetricAccuracy,
		Value:     j.Result.Accuracy,
		CreatedAt: now,
	}
	created, err := f.save(ctx, logger, KindMetric, func(ctx context.Context) (bool, error) {
		return f.artifacts.SaveMetric(ctx, metric)
	})
	if err != nil {
		errs = append(errs, err)
	} else {
		out.Metric = metric
		if created {
			f.notify(ctx, logger, j)
		}
	}

	if j.Payload.ABTesting && j.Result.HasABFields() {
		ab := &job.ABResult{
			JobID:        j.ID,
			UserID:       j.UserID,
			ModelA:       j.Result.ModelA,
			ModelB:       j.Result.ModelB,
			PerformanceA: *j.Result.PerformanceA,
			PerformanceB: *j.Result.PerformanceB,
			CreatedAt:    now,
		}
		if _, err := f.save(ctx, logger, KindAB, func(ctx context.Context) (bool, error) {
			return f.artifacts.SaveABResult(ctx, ab)
		}); err != nil {
			errs = append(errs, err)
		} else {
			out.ABResult = ab
		}
	} else if j.Payload.ABTesting {
		logger.Warn("A/B testing requested but result has no A/B fields")
	}

	if j.Payload.AutoTuning && j.Result.HasTuningFields() {
		tr := &job.TuningResult{
			JobID:               j.ID,
			UserID:              j.UserID,
			BestHyperparameters: j.Result.BestHyperparameters,
			Performance:         *j.Result.BestPerformance,
			CreatedAt:           now,
		}
		if _, err := f.save(ctx, logger, KindTuning, func(ctx context.Context) (bool, error) {
			return f.artifacts.SaveTuningResult(ctx, tr)
		}); err != nil {
			errs = append(errs, err)
		} else {
			out.TuningResult = tr
		}
	} else if j.Payload.AutoTuning {
		logger.Warn("Auto-tuning requested but result has no tuning fields")
	}

	if len(errs) > 0 {
		return out, apperrors.FanOut(j.ID, errors.Join(errs...))
	}
	return out, nil
}

// save runs one write with retries.
func (f *FanOut) save(ctx context.Context, logger *slog.Logger, kind string, write func(context.Context) (bool, error)) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := backoff.Exponential(attempt, f.backoff)
			select {
			case <-ctx.Done():
				return false, fmt.Errorf("%s: %w", kind, errors.Join(lastErr, ctx.Err()))
			case <-time.After(delay):
			}
		}

		created, err := write(ctx)
		if err == nil {
			f.metrics.RecordFanOutSave(ctx, kind, created)
			if !created {
				logger.Debug("Record already present", "kind", kind)
			}
			return created, nil
		}
		lastErr = err
		logger.Warn("Failed to save record", "kind", kind, "attempt", attempt+1, "error", err)
	}

	f.metrics.RecordFanOutError(ctx, kind)
	return false, fmt.Errorf("%s: %w", kind, lastErr)
}

// notify sends the version signal. Failures never reach the caller.
func (f *FanOut) notify(ctx context.Context, logger *slog.Logger, j *job.Job) {
	if f.notifier == nil {
		return
	}
	ev := job.VersionEvent{
		JobID:       j.ID,
		UserID:      j.UserID,
		ModelType:   j.Payload.ModelType,
		Performance: j.Result.Accuracy,
	}
	if err := f.notifier.NotifyVersion(ctx, ev); err != nil {
		logger.Warn("Failed to send version notification", "error", err)
	}
}
