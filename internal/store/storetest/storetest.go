// Package storetest holds the behaviour every job store must share. Store
// implementations run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
)

// Store is the combination of interfaces exercised by Run.
type Store interface {
	job.Store
	job.ArtifactStore
}

// Run executes the conformance suite against stores built by newStore.
// Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"DuplicateRequestToken", testDuplicateRequestToken},
		{"UpdateCompareAndSwap", testUpdateCompareAndSwap},
		{"UpdateRejectsBackwardsTransition", testUpdateRejectsBackwardsTransition},
		{"UpdateMutateError", testUpdateMutateError},
		{"ConcurrentClaim", testConcurrentClaim},
		{"ListDue", testListDue},
		{"ListByUser", testListByUser},
		{"Artifacts", testArtifacts},
		{"ListMetrics", testListMetrics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id, userID, token string) *job.Job {
	return &job.Job{
		ID:           id,
		UserID:       userID,
		RequestToken: token,
		State:        job.StateCreated,
		Payload: job.Payload{
			ModelType:       "image",
			Dataset:         "A",
			ABTesting:       true,
			Hyperparameters: map[string]any{"lr": 0.01, "layers": float64(3)},
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func mustCreate(t *testing.T, s Store, j *job.Job) *job.Job {
	t.Helper()
	created, err := s.Create(context.Background(), j)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", j.ID, err)
	}
	return created
}

// advance moves a created job to the given state through valid transitions,
// then applies mutate as a same-state update.
func advance(t *testing.T, s Store, id string, to job.State, mutate func(*job.Job)) *job.Job {
	t.Helper()
	ctx := context.Background()
	steps := map[job.State][]job.State{
		job.StateSubmitted: {job.StateSubmitted},
		job.StatePolling:   {job.StateSubmitted, job.StatePolling},
		job.StateCompleted: {job.StateSubmitted, job.StatePolling, job.StateCompleted},
		job.StateFailed:    {job.StateSubmitted, job.StatePolling, job.StateFailed},
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	from := cur.State
	for _, next := range steps[to] {
		cur, err = s.Update(ctx, id, from, func(j *job.Job) error {
			j.State = next
			if next == job.StateSubmitted {
				j.ExternalID = "ext-" + id
			}
			return nil
		})
		if err != nil {
			t.Fatalf("advance %s to %s: %v", id, next, err)
		}
		from = next
	}

	if mutate != nil {
		cur, err = s.Update(ctx, id, to, func(j *job.Job) error {
			mutate(j)
			return nil
		})
		if err != nil {
			t.Fatalf("mutate %s: %v", id, err)
		}
	}
	return cur
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	created := mustCreate(t, s, newJob("job-1", "user-1", "tok-1"))
	if created.Version == 0 {
		t.Error("expected a version to be assigned")
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "user-1" || got.RequestToken != "tok-1" || got.State != job.StateCreated {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.Payload.ModelType != "image" || !got.Payload.ABTesting || got.Payload.Hyperparameters["lr"] != 0.01 {
		t.Errorf("payload did not round-trip: %+v", got.Payload)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if got.ExternalID != "" || got.Result != nil {
		t.Error("new job must have no external ID or result")
	}

	// Mutating the returned copy must not touch stored state.
	got.Payload.Hyperparameters["lr"] = 1.0
	again, _ := s.Get(ctx, "job-1")
	if again.Payload.Hyperparameters["lr"] != 0.01 {
		t.Error("store returned shared payload map")
	}
}

func testGetMissing(t *testing.T, s Store) {
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_, err = s.Update(context.Background(), "missing", job.StateCreated, func(*job.Job) error { return nil })
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Update, got %v", err)
	}
}

func testDuplicateRequestToken(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newJob("job-1", "user-1", "tok"))

	existing, err := s.Create(ctx, newJob("job-2", "user-1", "tok"))
	if !errors.Is(err, apperrors.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if existing == nil || existing.ID != "job-1" {
		t.Fatalf("expected existing job-1, got %+v", existing)
	}
	if _, err := s.Get(ctx, "job-2"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("duplicate create must not persist a second job")
	}

	// Tokens are scoped to the user.
	mustCreate(t, s, newJob("job-3", "user-2", "tok"))

	// Jobs without a token never collide.
	mustCreate(t, s, newJob("job-4", "user-1", ""))
	mustCreate(t, s, newJob("job-5", "user-1", ""))
}

func testUpdateCompareAndSwap(t *testing.T, s Store) {
	ctx := context.Background()
	created := mustCreate(t, s, newJob("job-1", "user-1", ""))

	_, err := s.Update(ctx, "job-1", job.StateSubmitted, func(j *job.Job) error {
		j.State = job.StatePolling
		return nil
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale state, got %v", err)
	}

	next := base.Add(5 * time.Minute)
	updated, err := s.Update(ctx, "job-1", job.StateCreated, func(j *job.Job) error {
		j.State = job.StateSubmitted
		j.ExternalID = "ext-1"
		j.NextPollAt = next
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version <= created.Version {
		t.Errorf("version not bumped: %d -> %d", created.Version, updated.Version)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("UpdatedAt did not advance")
	}

	got, _ := s.Get(ctx, "job-1")
	if got.State != job.StateSubmitted || got.ExternalID != "ext-1" || !got.NextPollAt.Equal(next) {
		t.Errorf("update not persisted: %+v", got)
	}
}

func testUpdateRejectsBackwardsTransition(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newJob("job-1", "user-1", ""))
	advance(t, s, "job-1", job.StateCompleted, nil)

	_, err := s.Update(ctx, "job-1", job.StateCompleted, func(j *job.Job) error {
		j.State = job.StatePolling
		return nil
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict leaving a terminal state, got %v", err)
	}

	// Same-state field changes remain allowed.
	if _, err := s.Update(ctx, "job-1", job.StateCompleted, func(j *job.Job) error {
		j.FanOutPending = false
		return nil
	}); err != nil {
		t.Errorf("same-state update failed: %v", err)
	}
}

func testUpdateMutateError(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newJob("job-1", "user-1", ""))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "job-1", job.StateCreated, func(j *job.Job) error {
		j.State = job.StateSubmitted
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, _ := s.Get(ctx, "job-1")
	if got.State != job.StateCreated {
		t.Errorf("aborted update was persisted: %s", got.State)
	}
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newJob("job-1", "user-1", ""))
	advance(t, s, "job-1", job.StateSubmitted, nil)

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "job-1", job.StateSubmitted, func(j *job.Job) error {
				j.State = job.StatePolling
				return nil
			})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one winner, got %d", got)
	}
}

func testListDue(t *testing.T, s Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	for i := range 6 {
		mustCreate(t, s, newJob(fmt.Sprintf("job-%d", i), "user-1", ""))
	}
	advance(t, s, "job-0", job.StateSubmitted, func(j *job.Job) { j.NextPollAt = now.Add(-2 * time.Minute) })
	advance(t, s, "job-1", job.StatePolling, func(j *job.Job) { j.NextPollAt = now.Add(-time.Minute) })
	advance(t, s, "job-2", job.StatePolling, func(j *job.Job) { j.NextPollAt = now.Add(time.Minute) })
	advance(t, s, "job-3", job.StatePolling, func(j *job.Job) {
		j.NextPollAt = now.Add(-time.Minute)
		j.ClaimedUntil = now.Add(time.Minute)
	})
	advance(t, s, "job-4", job.StateCompleted, func(j *job.Job) {
		j.FanOutPending = true
		j.NextPollAt = now
	})
	advance(t, s, "job-5", job.StateFailed, func(j *job.Job) { j.NextPollAt = now.Add(-time.Hour) })

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	got := map[string]bool{}
	for _, j := range due {
		got[j.ID] = true
	}
	for _, id := range []string{"job-0", "job-1", "job-4"} {
		if !got[id] {
			t.Errorf("expected %s to be due", id)
		}
	}
	for _, id := range []string{"job-2", "job-3", "job-5"} {
		if got[id] {
			t.Errorf("did not expect %s to be due", id)
		}
	}

	limited, err := s.ListDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "job-0" {
		t.Errorf("expected the two oldest schedules first, got %d jobs", len(limited))
	}
}

func testListByUser(t *testing.T, s Store) {
	ctx := context.Background()
	for i := range 3 {
		j := newJob(fmt.Sprintf("job-%d", i), "user-1", "")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		mustCreate(t, s, j)
	}
	mustCreate(t, s, newJob("other", "user-2", ""))

	jobs, err := s.ListByUser(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-2" || jobs[1].ID != "job-1" {
		t.Errorf("expected newest first, got %v", ids(jobs))
	}
}

func testArtifacts(t *testing.T, s Store) {
	ctx := context.Background()

	m := &job.Metric{JobID: "job-1", UserID: "user-1", ModelType: "image", Dataset: "A", Name: "accuracy", Value: 0.92, CreatedAt: base}
	created, err := s.SaveMetric(ctx, m)
	if err != nil || !created {
		t.Fatalf("SaveMetric = %v, %v; want created", created, err)
	}
	created, err = s.SaveMetric(ctx, m)
	if err != nil || created {
		t.Fatalf("second SaveMetric = %v, %v; want duplicate", created, err)
	}

	ab := &job.ABResult{JobID: "job-1", UserID: "user-1", ModelA: "v1", ModelB: "v2", PerformanceA: 0.90, PerformanceB: 0.92, CreatedAt: base}
	if created, err := s.SaveABResult(ctx, ab); err != nil || !created {
		t.Fatalf("SaveABResult = %v, %v", created, err)
	}
	if created, err := s.SaveABResult(ctx, ab); err != nil || created {
		t.Fatalf("second SaveABResult = %v, %v", created, err)
	}

	tr := &job.TuningResult{JobID: "job-2", UserID: "user-1", BestHyperparameters: map[string]any{"lr": 0.001}, Performance: 0.95, CreatedAt: base}
	if created, err := s.SaveTuningResult(ctx, tr); err != nil || !created {
		t.Fatalf("SaveTuningResult = %v, %v", created, err)
	}
	if created, err := s.SaveTuningResult(ctx, tr); err != nil || created {
		t.Fatalf("second SaveTuningResult = %v, %v", created, err)
	}

	a, err := s.GetArtifacts(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetArtifacts failed: %v", err)
	}
	if a.Metric == nil || a.Metric.Value != 0.92 || a.Metric.Name != "accuracy" {
		t.Errorf("unexpected metric: %+v", a.Metric)
	}
	if a.ABResult == nil || a.ABResult.ModelB != "v2" || a.ABResult.PerformanceA != 0.90 {
		t.Errorf("unexpected abResult: %+v", a.ABResult)
	}
	if a.TuningResult != nil {
		t.Error("job-1 has no tuning result")
	}

	a, err = s.GetArtifacts(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetArtifacts failed: %v", err)
	}
	if a.TuningResult == nil || a.TuningResult.BestHyperparameters["lr"] != 0.001 || a.TuningResult.Performance != 0.95 {
		t.Errorf("unexpected tuningResult: %+v", a.TuningResult)
	}
	if a.Metric != nil || a.ABResult != nil {
		t.Error("job-2 has only a tuning result")
	}
}

func testListMetrics(t *testing.T, s Store) {
	ctx := context.Background()
	for i := range 12 {
		m := &job.Metric{
			JobID:     fmt.Sprintf("job-%02d", i),
			UserID:    "user-1",
			Name:      "accuracy",
			Value:     float64(i) / 100,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if _, err := s.SaveMetric(ctx, m); err != nil {
			t.Fatalf("SaveMetric failed: %v", err)
		}
	}
	if _, err := s.SaveMetric(ctx, &job.Metric{JobID: "other", UserID: "user-2", Value: 0.5, CreatedAt: base}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}

	metrics, err := s.ListMetrics(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(metrics) != 10 {
		t.Fatalf("expected 10 metrics, got %d", len(metrics))
	}
	if metrics[0].JobID != "job-11" || metrics[9].JobID != "job-02" {
		t.Errorf("expected newest first, got %s..%s", metrics[0].JobID, metrics[9].JobID)
	}
	for _, m := range metrics {
		if m.UserID != "user-1" {
			t.Errorf("metric of another user returned: %+v", m)
		}
	}
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
