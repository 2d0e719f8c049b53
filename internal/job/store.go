// Package job defines the training job model, the interfaces of its
// collaborators and the Service that backs the public entrypoints.
package job

import (
	"context"
	"time"
)

// Store is the durable record of jobs.
//
// # Concurrency
//
// Update is the only way to mutate a stored job. It is a compare-and-swap on
// the job's state: the mutation is applied only when the stored state still
// equals from, so two ticks racing on the same job cannot both win. Losers
// receive apperrors.ErrConflict and are expected to re-read.
type Store interface {
	// Create persists a new job. When the caller's request token was already
	// used, the existing job is returned together with apperrors.ErrDuplicateRequest.
	Create(ctx context.Context, j *Job) (*Job, error)

	// Get returns a job by ID, or apperrors.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies mutate to the job if its stored state equals from.
	// Non-monotonic transitions are rejected with apperrors.ErrConflict.
	// Errors returned by mutate abort the update and are passed through.
	Update(ctx context.Context, id string, from State, mutate func(*Job) error) (*Job, error)

	// ListDue returns jobs with scheduled work at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListByUser returns a user's jobs, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
}

// ArtifactStore persists the records derived from completed jobs.
// Each Save method is keyed on the job ID and reports created=false when
// the record already existed.
type ArtifactStore interface {
	SaveMetric(ctx context.Context, m *Metric) (created bool, err error)
	SaveABResult(ctx context.Context, r *ABResult) (created bool, err error)
	SaveTuningResult(ctx context.Context, r *TuningResult) (created bool, err error)

	// GetArtifacts returns whatever records exist for the job.
	GetArtifacts(ctx context.Context, jobID string) (*DerivedArtifact, error)

	// ListMetrics returns a user's metrics, newest first.
	ListMetrics(ctx context.Context, userID string, limit int) ([]Metric, error)
}

// Runner submits work to and polls an external compute service.
type Runner interface {
	// Submit hands the job to the compute service and returns its external ID.
	// Failures are apperrors.ErrSubmission.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)

	// PollStatus returns the current status of an external run. Failures are
	// apperrors.ErrTransientPoll when a later poll may succeed and
	// apperrors.ErrPoll otherwise.
	PollStatus(ctx context.Context, externalID string) (*RunStatus, error)

	// Ready checks if the compute service is reachable.
	Ready(ctx context.Context) error
}

// Canceler is implemented by runners that can abort an external run.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

// VersionNotifier receives the fire-and-forget model version signal.
type VersionNotifier interface {
	NotifyVersion(ctx context.Context, ev VersionEvent) error
}
