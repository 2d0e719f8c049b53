package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/auth"
	"trainingjobs/internal/observability"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxModelTypeLength    = 64
	maxDatasetLength      = 512
	maxRequestTokenLength = 128
	maxHyperparameters    = 64
	maxHyperparamKeyLen   = 64
	maxListLimit          = 100
	defaultListLimit      = 20
	defaultHistoryLimit   = 10
	maxCancelAttempts     = 5
)

// identifierPattern allows alphanumeric, dots, hyphens, and underscores
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Service backs the public entrypoints: starting, inspecting, cancelling
// and listing training jobs.
//
// StartJob only creates and submits; it never waits for the job to finish.
// Everything after submission is driven by the scheduler through the Store.
type Service struct {
	store     Store
	artifacts ArtifactStore
	runner    Runner
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a new job service.
func NewService(store Store, artifacts ArtifactStore, runner Runner, metrics *observability.Metrics, cfg Config) *Service {
	return &Service{
		store:     store,
		artifacts: artifacts,
		runner:    runner,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "job-service"),
	}
}

// StartJob validates the request, creates the job (idempotently when a
// request token is supplied) and submits it to the runner.
//
// On submission failure the job stays created and the response still
// carries its ID alongside an apperrors.ErrSubmission error; a retry with
// the same token resubmits the same job.
func (s *Service) StartJob(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	userID := auth.UserFromContext(ctx)
	if userID == "" {
		return nil, apperrors.Unauthenticated("user must be authenticated")
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	now := s.cfg.Now().UTC()
	j, err := s.store.Create(ctx, &Job{
		ID:           uuid.NewString(),
		UserID:       userID,
		RequestToken: req.RequestToken,
		State:        StateCreated,
		Payload:      req.Payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	switch {
	case errors.Is(err, apperrors.ErrDuplicateRequest):
		s.logger.Info("Duplicate start request", "jobId", j.ID, "state", j.State)
	case err != nil:
		return nil, apperrors.Internal("create job", err)
	}

	if j.State != StateCreated {
		return &StartResponse{JobID: j.ID, State: j.State}, nil
	}
	return s.submit(ctx, j)
}

// submit claims a created job, hands it to the runner and records the
// external ID. A claim held by a concurrent submission is respected.
func (s *Service) submit(ctx context.Context, j *Job) (*StartResponse, error) {
	logger := s.logger.With("jobId", j.ID)
	now := s.cfg.Now()

	claimed, err := s.store.Update(ctx, j.ID, StateCreated, func(cur *Job) error {
		if cur.ClaimedUntil.After(now) {
			return apperrors.Conflict("job", cur.ID, "submission already in progress")
		}
		cur.ClaimedUntil = now.Add(s.cfg.SubmitLease)
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return s.currentResponse(ctx, j.ID)
		}
		return nil, apperrors.Internal("claim job", err)
	}

	externalID, err := s.runner.Submit(ctx, &SubmitRequest{
		JobID:   claimed.ID,
		UserID:  claimed.UserID,
		Payload: claimed.Payload,
	})
	if err != nil {
		s.metrics.RecordSubmitFailed(ctx, claimed.Payload.ModelType)
		logger.Warn("Job submission failed", "error", err)
		s.releaseClaim(ctx, claimed.ID)
		if !errors.Is(err, apperrors.ErrSubmission) {
			err = apperrors.Submission("submit job", err)
		}
		return &StartResponse{JobID: claimed.ID, State: StateCreated}, err
	}

	submittedAt := s.cfg.Now()
	updated, err := s.store.Update(ctx, claimed.ID, StateCreated, func(cur *Job) error {
		cur.ExternalID = externalID
		cur.State = StateSubmitted
		cur.ClaimedUntil = time.Time{}
		cur.NextPollAt = submittedAt.Add(s.cfg.FirstPollDelay)
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Cancelled while the submission was in flight.
			logger.Info("Job left created state during submission, cancelling external run", "externalId", externalID)
			s.cancelExternal(claimed.ID, externalID)
			return s.currentResponse(ctx, claimed.ID)
		}
		return nil, apperrors.Internal("record submission", err)
	}

	s.metrics.RecordJobSubmitted(ctx, updated.Payload.ModelType)
	logger.Info("Job submitted", "externalId", externalID, "nextPollAt", updated.NextPollAt)

	return &StartResponse{JobID: updated.ID, State: updated.State}, nil
}

func (s *Service) releaseClaim(ctx context.Context, id string) {
	_, err := s.store.Update(ctx, id, StateCreated, func(cur *Job) error {
		cur.ClaimedUntil = time.Time{}
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrConflict) {
		s.logger.Warn("Failed to release submission claim", "jobId", id, "error", err)
	}
}

func (s *Service) currentResponse(ctx context.Context, id string) (*StartResponse, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StartResponse{JobID: j.ID, State: j.State}, nil
}

// GetJobStatus returns the status of one of the caller's jobs.
func (s *Service) GetJobStatus(ctx context.Context, id string) (*Status, error) {
	j, err := s.ownedJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewStatus(j), nil
}

// CancelJob moves a non-terminal job to failed with reason cancelled.
// Terminal jobs are returned unchanged.
func (s *Service) CancelJob(ctx context.Context, id string) (*Status, error) {
	for range maxCancelAttempts {
		j, err := s.ownedJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return NewStatus(j), nil
		}

		cancelled, err := s.store.Update(ctx, id, j.State, func(cur *Job) error {
			cur.State = StateFailed
			cur.Reason = ReasonCancelled
			cur.Error = "cancelled by user"
			cur.ClaimedUntil = time.Time{}
			cur.NextPollAt = time.Time{}
			return nil
		})
		if errors.Is(err, apperrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, apperrors.Internal("cancel job", err)
		}

		s.logger.Info("Job cancelled", "jobId", id, "previousState", j.State)
		if cancelled.ExternalID != "" {
			s.metrics.RecordJobFinished(ctx, cancelled.Payload.ModelType, false, cancelled.UpdatedAt.Sub(cancelled.CreatedAt).Seconds())
			s.cancelExternal(id, cancelled.ExternalID)
		}
		return NewStatus(cancelled), nil
	}
	return nil, apperrors.Conflict("job", id, "too many concurrent updates")
}

// cancelExternal asks the runner to abort a run. Failures are logged only.
func (s *Service) cancelExternal(jobID, externalID string) {
	c, ok := s.runner.(Canceler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelTimeout)
	defer cancel()
	if err := c.Cancel(ctx, externalID); err != nil {
		s.logger.Warn("External cancel failed", "jobId", jobID, "externalId", externalID, "error", err)
	}
}

// ListJobs returns the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, limit int) (*ListResponse, error) {
	userID := auth.UserFromContext(ctx)
	if userID == "" {
		return nil, apperrors.Unauthenticated("user must be authenticated")
	}
	jobs, err := s.store.ListByUser(ctx, userID, clampLimit(limit, defaultListLimit))
	if err != nil {
		return nil, apperrors.Internal("list jobs", err)
	}
	resp := &ListResponse{Jobs: make([]Status, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, *NewStatus(j))
	}
	return resp, nil
}

// GetArtifacts returns the records derived from one of the caller's jobs.
func (s *Service) GetArtifacts(ctx context.Context, id string) (*DerivedArtifact, error) {
	if _, err := s.ownedJob(ctx, id); err != nil {
		return nil, err
	}
	a, err := s.artifacts.GetArtifacts(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("get artifacts", err)
	}
	return a, nil
}

// PerformanceHistory returns the caller's most recent accuracy figures.
// Loss is reported as 1 - accuracy.
func (s *Service) PerformanceHistory(ctx context.Context, limit int) ([]PerformancePoint, error) {
	userID := auth.UserFromContext(ctx)
	if userID == "" {
		return nil, apperrors.Unauthenticated("user must be authenticated")
	}
	metrics, err := s.artifacts.ListMetrics(ctx, userID, clampLimit(limit, defaultHistoryLimit))
	if err != nil {
		return nil, apperrors.Internal("list metrics", err)
	}
	points := make([]PerformancePoint, 0, len(metrics))
	for _, m := range metrics {
		points = append(points, PerformancePoint{
			Date:     m.CreatedAt.UTC().Format(time.DateOnly),
			Accuracy: m.Value,
			Loss:     1 - m.Value,
		})
	}
	return points, nil
}

// ownedJob loads a job and hides jobs that belong to other users.
func (s *Service) ownedJob(ctx context.Context, id string) (*Job, error) {
	userID := auth.UserFromContext(ctx)
	if userID == "" {
		return nil, apperrors.Unauthenticated("user must be authenticated")
	}
	j, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, apperrors.Internal("get job", err)
	}
	if j.UserID != userID {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxListLimit)
}

// validate validates a start request. Does not modify the request.
func validate(req *StartRequest) error {
	if req.ModelType == "" {
		return apperrors.Validation("modelType", "modelType is required")
	}
	if len(req.ModelType) > maxModelTypeLength {
		return apperrors.Validation("modelType", fmt.Sprintf("modelType exceeds maximum length of %d", maxModelTypeLength))
	}
	if !identifierPattern.MatchString(req.ModelType) {
		return apperrors.Validation("modelType", "modelType must be alphanumeric (dots, hyphens and underscores allowed)")
	}

	if strings.TrimSpace(req.Dataset) == "" {
		return apperrors.Validation("dataset", "dataset is required")
	}
	if len(req.Dataset) > maxDatasetLength {
		return apperrors.Validation("dataset", fmt.Sprintf("dataset exceeds maximum length of %d", maxDatasetLength))
	}
	if strings.ContainsFunc(req.Dataset, unicode.IsControl) {
		return apperrors.Validation("dataset", "dataset must not contain control characters")
	}

	if len(req.Hyperparameters) > maxHyperparameters {
		return apperrors.Validation("hyperparameters", fmt.Sprintf("hyperparameters exceed maximum of %d entries", maxHyperparameters))
	}
	for k := range req.Hyperparameters {
		if k == "" || len(k) > maxHyperparamKeyLen {
			return apperrors.Validation("hyperparameters", fmt.Sprintf("hyperparameter names must be 1-%d characters", maxHyperparamKeyLen))
		}
	}

	if req.RequestToken != "" {
		if len(req.RequestToken) > maxRequestTokenLength {
			return apperrors.Validation("requestToken", fmt.Sprintf("requestToken exceeds maximum length of %d", maxRequestTokenLength))
		}
		if !identifierPattern.MatchString(req.RequestToken) {
			return apperrors.Validation("requestToken", "requestToken must be alphanumeric (dots, hyphens and underscores allowed)")
		}
	}
	return nil
}
