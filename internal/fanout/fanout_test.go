package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
	"trainingjobs/internal/store/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []job.VersionEvent
	err    error
}

func (n *recordingNotifier) NotifyVersion(_ context.Context, ev job.VersionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// flakyStore fails the first N writes of each configured kind.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyStore(failures map[string]int) *flakyStore {
	return &flakyStore{Store: memory.New(), failures: failures, calls: map[string]int{}}
}

func (s *flakyStore) fail(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[kind]++
	if s.failures[kind] > 0 {
		s.failures[kind]--
		return errors.New("database is locked")
	}
	return nil
}

func (s *flakyStore) SaveMetric(ctx context.Context, m *job.Metric) (bool, error) {
	if err := s.fail(KindMetric); err != nil {
		return false, err
	}
	return s.Store.SaveMetric(ctx, m)
}

func (s *flakyStore) SaveABResult(ctx context.Context, r *job.ABResult) (bool, error) {
	if err := s.fail(KindAB); err != nil {
		return false, err
	}
	return s.Store.SaveABResult(ctx, r)
}

func ptr(f float64) *float64 { return &f }

func testConfig() Config {
	return Config{Retries: 2, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func completedJob(id string, payload job.Payload, result *job.Result) *job.Job {
	return &job.Job{ID: id, UserID: "u1", State: job.StateCompleted, Payload: payload, Result: result}
}

func TestApply_RecordsMatchRequest(t *testing.T) {
	t.Parallel()

	abResult := &job.Result{Accuracy: 0.9, ModelA: "a", ModelB: "b", PerformanceA: ptr(0.9), PerformanceB: ptr(0.85)}
	tuningResult := &job.Result{Accuracy: 0.8, BestHyperparameters: map[string]any{"lr": 0.1}, BestPerformance: ptr(0.82)}

	tests := []struct {
		name       string
		payload    job.Payload
		result     *job.Result
		wantAB     bool
		wantTuning bool
	}{
		{name: "plain", payload: job.Payload{ModelType: "m", Dataset: "d"}, result: &job.Result{Accuracy: 0.7}},
		{name: "ab requested and present", payload: job.Payload{ModelType: "m", Dataset: "d", ABTesting: true}, result: abResult, wantAB: true},
		{name: "ab fields without request", payload: job.Payload{ModelType: "m", Dataset: "d"}, result: abResult},
		{name: "ab requested but missing", payload: job.Payload{ModelType: "m", Dataset: "d", ABTesting: true}, result: &job.Result{Accuracy: 0.7}},
		{name: "tuning requested and present", payload: job.Payload{ModelType: "m", Dataset: "d", AutoTuning: true}, result: tuningResult, wantTuning: true},
		{name: "tuning requested but missing", payload: job.Payload{ModelType: "m", Dataset: "d", AutoTuning: true}, result: abResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := memory.New()
			f := New(store, nil, nil, testConfig())

			out, err := f.Apply(context.Background(), completedJob("j1", tt.payload, tt.result))
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if out.Metric == nil || out.Metric.Value != tt.result.Accuracy || out.Metric.Name != MetricAccuracy {
				t.Errorf("metric = %+v, want accuracy %v", out.Metric, tt.result.Accuracy)
			}
			if (out.ABResult != nil) != tt.wantAB {
				t.Errorf("abResult = %+v, want present=%v", out.ABResult, tt.wantAB)
			}
			if (out.TuningResult != nil) != tt.wantTuning {
				t.Errorf("tuningResult = %+v, want present=%v", out.TuningResult, tt.wantTuning)
			}

			_, metrics, ab, tuning := store.Counts()
			if metrics != 1 {
				t.Errorf("metrics stored = %d, want 1", metrics)
			}
			if (ab == 1) != tt.wantAB || (tuning == 1) != tt.wantTuning {
				t.Errorf("stored ab=%d tuning=%d, want ab=%v tuning=%v", ab, tuning, tt.wantAB, tt.wantTuning)
			}
		})
	}
}

func TestApply_RejectsIncompleteJob(t *testing.T) {
	t.Parallel()

	f := New(memory.New(), nil, nil, testConfig())
	for _, state := range []job.State{job.StateCreated, job.StatePolling, job.StateFailed} {
		_, err := f.Apply(context.Background(), &job.Job{ID: "j1", State: state, Result: &job.Result{Accuracy: 1}})
		if !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("state %s: err = %v, want ErrConflict", state, err)
		}
	}
}

func TestApply_Idempotent(t *testing.T) {
	t.Parallel()

	store := memory.New()
	notifier := &recordingNotifier{}
	f := New(store, notifier, nil, testConfig())
	j := completedJob("j1", job.Payload{ModelType: "m", Dataset: "d", ABTesting: true},
		&job.Result{Accuracy: 0.9, ModelA: "a", ModelB: "b", PerformanceA: ptr(0.9), PerformanceB: ptr(0.8)})

	for i := range 3 {
		if _, err := f.Apply(context.Background(), j); err != nil {
			t.Fatalf("Apply #%d failed: %v", i+1, err)
		}
	}

	_, metrics, ab, _ := store.Counts()
	if metrics != 1 || ab != 1 {
		t.Errorf("stored metrics=%d ab=%d, want 1 each", metrics, ab)
	}
	if got := notifier.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
	if ev := notifier.events[0]; ev.JobID != "j1" || ev.Performance != 0.9 || ev.ModelType != "m" {
		t.Errorf("event = %+v", ev)
	}
}

func TestApply_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := newFlakyStore(map[string]int{KindMetric: 2})
	f := New(store, nil, nil, testConfig())

	out, err := f.Apply(context.Background(), completedJob("j1", job.Payload{ModelType: "m", Dataset: "d"}, &job.Result{Accuracy: 0.6}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Metric == nil {
		t.Fatal("metric missing")
	}
	if store.calls[KindMetric] != 3 {
		t.Errorf("metric writes = %d, want 3", store.calls[KindMetric])
	}
}

func TestApply_PartialFailureKeepsMetric(t *testing.T) {
	t.Parallel()

	store := newFlakyStore(map[string]int{KindAB: 10})
	notifier := &recordingNotifier{}
	f := New(store, notifier, nil, testConfig())
	j := completedJob("j1", job.Payload{ModelType: "m", Dataset: "d", ABTesting: true},
		&job.Result{Accuracy: 0.9, ModelA: "a", ModelB: "b", PerformanceA: ptr(0.9), PerformanceB: ptr(0.8)})

	out, err := f.Apply(context.Background(), j)
	if !errors.Is(err, apperrors.ErrFanOut) {
		t.Fatalf("err = %v, want ErrFanOut", err)
	}
	if out.Metric == nil || out.ABResult != nil {
		t.Errorf("artifact = %+v, want metric only", out)
	}
	if store.calls[KindAB] != 3 {
		t.Errorf("ab writes = %d, want 3", store.calls[KindAB])
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	// A later retry completes the missing record without a second notification
	store.failures[KindAB] = 0
	if _, err := f.Apply(context.Background(), j); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	_, metrics, ab, _ := store.Counts()
	if metrics != 1 || ab != 1 {
		t.Errorf("stored metrics=%d ab=%d, want 1 each", metrics, ab)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestApply_NotifierErrorIgnored(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{err: errors.New("broker down")}
	f := New(memory.New(), notifier, nil, testConfig())

	if _, err := f.Apply(context.Background(), completedJob("j1", job.Payload{ModelType: "m", Dataset: "d"}, &job.Result{Accuracy: 0.5})); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestApply_ContextCancelledDuringRetry(t *testing.T) {
	t.Parallel()

	store := newFlakyStore(map[string]int{KindMetric: 10})
	f := New(store, nil, nil, Config{Retries: 5, BackoffInitial: time.Hour, BackoffMax: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Apply(ctx, completedJob("j1", job.Payload{ModelType: "m", Dataset: "d"}, &job.Result{Accuracy: 0.5}))
	if !errors.Is(err, apperrors.ErrFanOut) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want ErrFanOut wrapping deadline", err)
	}
}
