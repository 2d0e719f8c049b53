// Package memory provides a mutex-guarded, process-local job store.
// It implements job.Store and job.ArtifactStore and is used in tests and
// single-process development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
)

// Store keeps jobs and their derived artifacts in maps.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	tokens map[tokenKey]string

	metrics map[string]job.Metric
	ab      map[string]job.ABResult
	tuning  map[string]job.TuningResult
}

type tokenKey struct {
	userID string
	token  string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		tokens:  make(map[tokenKey]string),
		metrics: make(map[string]job.Metric),
		ab:      make(map[string]job.ABResult),
		tuning:  make(map[string]job.TuningResult),
	}
}

// Create persists a new job, or returns the job already created with the
// same user and request token along with apperrors.ErrDuplicateRequest.
func (s *Store) Create(_ context.Context, j *job.Job) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{userID: j.UserID, token: j.RequestToken}
	if j.RequestToken != "" {
		if id, exists := s.tokens[key]; exists {
			return s.jobs[id].Clone(), apperrors.DuplicateRequest("job", id)
		}
	}
	if _, exists := s.jobs[j.ID]; exists {
		return nil, apperrors.Conflict("job", j.ID, "job already exists")
	}
	if j.RequestToken != "" {
		s.tokens[key] = j.ID
	}

	stored := j.Clone()
	stored.Version = 1
	s.jobs[j.ID] = stored
	return stored.Clone(), nil
}

// Get returns a copy of the job.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// Update applies mutate under the store lock when the stored state equals from.
func (s *Store) Update(_ context.Context, id string, from job.State, mutate func(*job.Job) error) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	if cur.State != from {
		return nil, apperrors.Conflict("job", id, "expected state "+string(from)+", found "+string(cur.State))
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := job.ValidateTransition(from, next.State); err != nil {
		return nil, apperrors.Conflict("job", id, err.Error())
	}
	next.ID = cur.ID
	next.UserID = cur.UserID
	next.RequestToken = cur.RequestToken
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	s.jobs[id] = next
	return next.Clone(), nil
}

// ListDue returns jobs with work due at now, oldest schedule first.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*job.Job
	for _, j := range s.jobs {
		if j.Due(now) {
			due = append(due, j.Clone())
		}
	}
	slices.SortFunc(due, func(a, b *job.Job) int {
		return a.NextPollAt.Compare(b.NextPollAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListByUser returns a user's jobs, newest first.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// SaveMetric stores the metric unless one exists for the job.
func (s *Store) SaveMetric(_ context.Context, m *job.Metric) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[m.JobID]; exists {
		return false, nil
	}
	s.metrics[m.JobID] = *m
	return true, nil
}

// SaveABResult stores the A/B result unless one exists for the job.
func (s *Store) SaveABResult(_ context.Context, r *job.ABResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ab[r.JobID]; exists {
		return false, nil
	}
	s.ab[r.JobID] = *r
	return true, nil
}

// SaveTuningResult stores the tuning result unless one exists for the job.
func (s *Store) SaveTuningResult(_ context.Context, r *job.TuningResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tuning[r.JobID]; exists {
		return false, nil
	}
	stored := *r
	stored.BestHyperparameters = cloneParams(r.BestHyperparameters)
	s.tuning[r.JobID] = stored
	return true, nil
}

// GetArtifacts returns copies of the records stored for the job.
func (s *Store) GetArtifacts(_ context.Context, jobID string) (*job.DerivedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &job.DerivedArtifact{}
	if m, ok := s.metrics[jobID]; ok {
		out.Metric = &m
	}
	if r, ok := s.ab[jobID]; ok {
		out.ABResult = &r
	}
	if r, ok := s.tuning[jobID]; ok {
		r.BestHyperparameters = cloneParams(r.BestHyperparameters)
		out.TuningResult = &r
	}
	return out, nil
}

// ListMetrics returns a user's metrics, newest first.
func (s *Store) ListMetrics(_ context.Context, userID string, limit int) ([]job.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Metric
	for _, m := range s.metrics {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b job.Metric) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts reports how many jobs and artifacts of each kind are stored.
func (s *Store) Counts() (jobs, metrics, abResults, tuningResults int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs), len(s.metrics), len(s.ab), len(s.tuning)
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
