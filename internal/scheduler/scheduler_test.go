package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/auth"
	"trainingjobs/internal/fanout"
	"trainingjobs/internal/job"
	"trainingjobs/internal/runner/runnertest"
	"trainingjobs/internal/scheduler"
	"trainingjobs/internal/store/memory"
	"trainingjobs/internal/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []job.VersionEvent
}

func (n *recordingNotifier) NotifyVersion(_ context.Context, ev job.VersionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	clock    *testutil.Clock
	store    *memory.Store
	runner   *runnertest.Fake
	notifier *recordingNotifier
	svc      *job.Service
	sched    *scheduler.Scheduler
}

func newFixture(t *testing.T, cfg scheduler.Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		store:    memory.New(),
		runner:   runnertest.NewFake(),
		notifier: &recordingNotifier{},
	}
	f.svc = job.NewService(f.store, f.store, f.runner, nil, job.Config{
		FirstPollDelay: 5 * time.Minute,
		Now:            f.clock.Now,
	})
	fo := fanout.New(f.store, f.notifier, nil, fanout.Config{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond})
	f.sched = f.newScheduler(fo, cfg)
	return f
}

func (f *fixture) newScheduler(fo scheduler.FanOut, cfg scheduler.Config) *scheduler.Scheduler {
	if cfg.Now == nil {
		cfg.Now = f.clock.Now
	}
	return scheduler.New(f.store, f.runner, fo, nil, cfg)
}

func (f *fixture) start(t *testing.T, payload job.Payload) string {
	t.Helper()
	resp, err := f.svc.StartJob(auth.WithUser(context.Background(), "user-1"), &job.StartRequest{Payload: payload})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	return resp.JobID
}

func (f *fixture) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return j
}

// tickWhenDue moves the clock to the job's next poll and runs one tick.
func (f *fixture) tickWhenDue(t *testing.T, id string) *job.Job {
	t.Helper()
	if next := f.get(t, id).NextPollAt; !next.IsZero() {
		f.clock.AdvanceTo(next)
	}
	if err := f.sched.Tick(context.Background(), id); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	return f.get(t, id)
}

func ptr(v float64) *float64 { return &v }

func TestScheduler_ABTestingScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})

	id := f.start(t, job.Payload{ModelType: "image", Dataset: "A", ABTesting: true})
	f.runner.Script(runnertest.ExternalID(id),
		runnertest.Running(),
		runnertest.Running(),
		runnertest.Completed(&job.Result{
			Accuracy:     0.9,
			ModelA:       "m1",
			ModelB:       "m2",
			PerformanceA: ptr(0.9),
			PerformanceB: ptr(0.85),
		}),
	)

	for range 2 {
		if j := f.tickWhenDue(t, id); j.State != job.StatePolling {
			t.Fatalf("state = %s, want polling", j.State)
		}
	}
	j := f.tickWhenDue(t, id)

	if j.State != job.StateCompleted || j.Result == nil || j.Result.Accuracy != 0.9 {
		t.Fatalf("job = %+v, want completed with accuracy 0.9", j)
	}
	if j.FanOutPending || !j.NextPollAt.IsZero() {
		t.Errorf("fan-out still pending: pending=%v nextPollAt=%v", j.FanOutPending, j.NextPollAt)
	}
	if j.PollCount != 2 {
		t.Errorf("pollCount = %d, want 2", j.PollCount)
	}

	art, err := f.store.GetArtifacts(context.Background(), id)
	if err != nil {
		t.Fatalf("GetArtifacts failed: %v", err)
	}
	if art.Metric == nil || art.Metric.Value != 0.9 {
		t.Errorf("metric = %+v, want 0.9", art.Metric)
	}
	if art.ABResult == nil || art.ABResult.ModelA != "m1" || art.ABResult.PerformanceB != 0.85 {
		t.Errorf("abResult = %+v", art.ABResult)
	}
	if art.TuningResult != nil {
		t.Errorf("unexpected tuning result: %+v", art.TuningResult)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
}

func TestScheduler_TransientThenCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{MaxPollRetries: 5})

	id := f.start(t, job.Payload{ModelType: "text", Dataset: "B"})
	f.runner.Script(runnertest.ExternalID(id),
		runnertest.Transient(),
		runnertest.Transient(),
		runnertest.Transient(),
		runnertest.Completed(&job.Result{Accuracy: 0.7}),
	)

	for i := range 3 {
		j := f.tickWhenDue(t, id)
		if j.State != job.StatePolling || j.PollRetries != i+1 {
			t.Fatalf("after transient %d: state=%s retries=%d", i+1, j.State, j.PollRetries)
		}
	}
	j := f.tickWhenDue(t, id)

	if j.State != job.StateCompleted {
		t.Fatalf("state = %s, want completed", j.State)
	}
	if j.PollRetries != 3 {
		t.Errorf("pollRetries = %d, want 3", j.PollRetries)
	}
	_, metrics, _, _ := f.store.Counts()
	if metrics != 1 {
		t.Errorf("metrics = %d, want 1", metrics)
	}
}

func TestScheduler_RunningResetsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{MaxPollRetries: 2})

	id := f.start(t, job.Payload{ModelType: "text", Dataset: "B"})
	f.runner.Script(runnertest.ExternalID(id),
		runnertest.Transient(),
		runnertest.Transient(),
		runnertest.Running(),
		runnertest.Transient(),
		runnertest.Transient(),
		runnertest.Running(),
	)

	var j *job.Job
	for range 6 {
		j = f.tickWhenDue(t, id)
	}
	if j.State != job.StatePolling || j.PollRetries != 0 || j.PollCount != 2 {
		t.Errorf("job = state %s retries %d count %d, want polling 0 2", j.State, j.PollRetries, j.PollCount)
	}
}

func TestScheduler_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		script     []runnertest.Response
		maxRetries int
		ticks      int
		wantReason job.Reason
		wantError  string
	}{
		{
			name:       "runner reports failure",
			script:     []runnertest.Response{runnertest.Running(), runnertest.Failed("out of memory")},
			ticks:      2,
			wantReason: job.ReasonRunnerFailed,
			wantError:  "out of memory",
		},
		{
			name:       "non-retriable poll error",
			script:     []runnertest.Response{runnertest.PollErr()},
			ticks:      1,
			wantReason: job.ReasonPollError,
		},
		{
			name:       "completed without result",
			script:     []runnertest.Response{runnertest.Completed(nil)},
			ticks:      1,
			wantReason: job.ReasonPollError,
			wantError:  "scheduler.poll: completed status without result",
		},
		{
			name:       "transient errors exhausted",
			script:     []runnertest.Response{runnertest.Transient()},
			maxRetries: 2,
			ticks:      3,
			wantReason: job.ReasonPollExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, scheduler.Config{MaxPollRetries: tt.maxRetries})
			id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
			ext := runnertest.ExternalID(id)
			f.runner.Script(ext, tt.script...)

			var j *job.Job
			for range tt.ticks {
				j = f.tickWhenDue(t, id)
			}
			if j.State != job.StateFailed || j.Reason != tt.wantReason {
				t.Fatalf("job = %s/%s, want failed/%s", j.State, j.Reason, tt.wantReason)
			}
			if j.Error == "" || (tt.wantError != "" && j.Error != tt.wantError) {
				t.Errorf("error = %q, want %q", j.Error, tt.wantError)
			}
			if !j.NextPollAt.IsZero() {
				t.Errorf("nextPollAt = %v, want none", j.NextPollAt)
			}

			// No further polls once failed
			f.clock.Advance(time.Hour)
			if err := f.sched.Tick(context.Background(), id); err != nil {
				t.Fatalf("Tick failed: %v", err)
			}
			if got := f.runner.Polls(ext); got != tt.ticks {
				t.Errorf("polls = %d, want %d", got, tt.ticks)
			}
			if _, metrics, _, _ := f.store.Counts(); metrics != 0 {
				t.Errorf("metrics = %d, want 0", metrics)
			}
		})
	}
}

func TestScheduler_ExhaustedErrorMatchesRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{MaxPollRetries: 3})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	f.runner.Script(runnertest.ExternalID(id), runnertest.Transient())

	var j *job.Job
	for range 4 {
		j = f.tickWhenDue(t, id)
	}
	if j.State != job.StateFailed || j.Reason != job.ReasonPollExhausted {
		t.Fatalf("job = %s/%s, want failed/poll_exhausted", j.State, j.Reason)
	}
	if j.PollRetries != 4 {
		t.Errorf("pollRetries = %d, want 4", j.PollRetries)
	}
	if !strings.Contains(j.Error, "after 4 consecutive errors") {
		t.Errorf("error = %q, want it to count 4 consecutive errors", j.Error)
	}
}

func TestScheduler_BackoffCappedAtMax(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{BackoffInitial: 30 * time.Second, BackoffMax: 10 * time.Minute})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})

	var prev time.Duration
	for i := range 12 {
		j := f.tickWhenDue(t, id)
		interval := j.NextPollAt.Sub(f.clock.Now())
		if interval > 10*time.Minute {
			t.Fatalf("tick %d: interval %v exceeds max", i+1, interval)
		}
		if interval < prev {
			t.Fatalf("tick %d: interval %v shrank from %v", i+1, interval, prev)
		}
		prev = interval
	}
	if prev != 10*time.Minute {
		t.Errorf("final interval = %v, want 10m", prev)
	}
}

func TestScheduler_FirstIntervals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{BackoffInitial: 30 * time.Second, BackoffMax: 10 * time.Minute})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, w := range want {
		j := f.tickWhenDue(t, id)
		if got := j.NextPollAt.Sub(f.clock.Now()); got != w {
			t.Errorf("interval %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestScheduler_NotDueNotPolled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	if err := f.sched.Tick(context.Background(), id); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := f.runner.Polls(runnertest.ExternalID(id)); got != 0 {
		t.Errorf("polls before first delay = %d, want 0", got)
	}
	if j := f.get(t, id); j.State != job.StateSubmitted {
		t.Errorf("state = %s, want submitted", j.State)
	}

	if err := f.sched.Tick(context.Background(), "missing"); err != nil {
		t.Errorf("Tick on unknown job: %v", err)
	}
}

func TestScheduler_CancelStopsPolling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})
	ctx := auth.WithUser(context.Background(), "user-1")

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	ext := runnertest.ExternalID(id)
	if j := f.tickWhenDue(t, id); j.State != job.StatePolling {
		t.Fatalf("state = %s, want polling", j.State)
	}

	status, err := f.svc.CancelJob(ctx, id)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if status.State != job.StateFailed || status.Reason != job.ReasonCancelled {
		t.Fatalf("status = %s/%s, want failed/cancelled", status.State, status.Reason)
	}

	f.clock.Advance(time.Hour)
	if err := f.sched.Tick(context.Background(), id); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := f.runner.Polls(ext); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
	if due, _ := f.store.ListDue(context.Background(), f.clock.Now(), 10); len(due) != 0 {
		t.Errorf("cancelled job still due: %d", len(due))
	}
}

// cancellingRunner cancels the job while its poll is in flight.
type cancellingRunner struct {
	*runnertest.Fake
	svc   *job.Service
	jobID string
}

func (r *cancellingRunner) PollStatus(ctx context.Context, externalID string) (*job.RunStatus, error) {
	if _, err := r.svc.CancelJob(auth.WithUser(context.Background(), "user-1"), r.jobID); err != nil {
		return nil, err
	}
	return r.Fake.PollStatus(ctx, externalID)
}

func TestScheduler_CancelDuringPollDiscardsResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	f.runner.Script(runnertest.ExternalID(id), runnertest.Completed(&job.Result{Accuracy: 0.99}))

	runner := &cancellingRunner{Fake: f.runner, svc: f.svc, jobID: id}
	fo := fanout.New(f.store, f.notifier, nil, fanout.Config{})
	sched := scheduler.New(f.store, runner, fo, nil, scheduler.Config{Now: f.clock.Now})

	f.clock.AdvanceTo(f.get(t, id).NextPollAt)
	if err := sched.Tick(context.Background(), id); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	j := f.get(t, id)
	if j.State != job.StateFailed || j.Reason != job.ReasonCancelled {
		t.Errorf("job = %s/%s, want failed/cancelled", j.State, j.Reason)
	}
	if j.Result != nil {
		t.Errorf("result recorded after cancel: %+v", j.Result)
	}
	if _, metrics, _, _ := f.store.Counts(); metrics != 0 {
		t.Errorf("metrics = %d, want 0", metrics)
	}
}

// flakyFanOut fails its first n calls.
type flakyFanOut struct {
	mu    sync.Mutex
	fails int
	calls int
	next  scheduler.FanOut
}

func (f *flakyFanOut) Apply(ctx context.Context, j *job.Job) (*job.DerivedArtifact, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, apperrors.FanOut(j.ID, errors.New("disk full"))
	}
	return f.next.Apply(ctx, j)
}

func TestScheduler_FanOutRetriedUntilDone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})
	flaky := &flakyFanOut{fails: 2, next: fanout.New(f.store, f.notifier, nil, fanout.Config{})}
	f.sched = f.newScheduler(flaky, scheduler.Config{FanOutRetryDelay: time.Minute})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	ext := runnertest.ExternalID(id)
	f.runner.Script(ext, runnertest.Completed(&job.Result{Accuracy: 0.8}))

	j := f.tickWhenDue(t, id)
	if j.State != job.StateCompleted || !j.FanOutPending {
		t.Fatalf("job = %s pending=%v, want completed with fan-out pending", j.State, j.FanOutPending)
	}
	if !j.NextPollAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Errorf("retry at %v, want %v", j.NextPollAt, f.clock.Now().Add(time.Minute))
	}

	// Completion stays visible to callers while fan-out is pending
	status, err := f.svc.GetJobStatus(auth.WithUser(context.Background(), "user-1"), id)
	if err != nil || status.State != job.StateCompleted || status.Result == nil {
		t.Fatalf("status = %+v, err = %v", status, err)
	}

	f.tickWhenDue(t, id)
	j = f.tickWhenDue(t, id)
	if j.FanOutPending || !j.NextPollAt.IsZero() {
		t.Errorf("fan-out still pending after retries: %+v", j)
	}
	if flaky.calls != 3 {
		t.Errorf("fan-out calls = %d, want 3", flaky.calls)
	}
	if got := f.runner.Polls(ext); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
	if _, metrics, _, _ := f.store.Counts(); metrics != 1 {
		t.Errorf("metrics = %d, want 1", metrics)
	}
}

func TestScheduler_ConcurrentTicksPollOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scheduler.Config{})

	id := f.start(t, job.Payload{ModelType: "m", Dataset: "d"})
	f.clock.AdvanceTo(f.get(t, id).NextPollAt)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.sched.Tick(context.Background(), id)
		}()
	}
	wg.Wait()

	if got := f.runner.Polls(runnertest.ExternalID(id)); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
}

func TestScheduler_SweepsToCompletion(t *testing.T) {
	t.Parallel()
	store := memory.New()
	runner := runnertest.NewFake()
	notifier := &recordingNotifier{}
	svc := job.NewService(store, store, runner, nil, job.Config{FirstPollDelay: time.Millisecond})

	sched := scheduler.New(store, runner, fanout.New(store, notifier, nil, fanout.Config{}), nil, scheduler.Config{
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
		Workers:        2,
	})
	sched.Start()

	ctx := auth.WithUser(context.Background(), "user-1")
	var ids []string
	for range 5 {
		resp, err := svc.StartJob(ctx, &job.StartRequest{Payload: job.Payload{ModelType: "m", Dataset: "d"}})
		if err != nil {
			t.Fatalf("StartJob failed: %v", err)
		}
		runner.Script(runnertest.ExternalID(resp.JobID),
			runnertest.Running(),
			runnertest.Transient(),
			runnertest.Completed(&job.Result{Accuracy: 0.5}),
		)
		ids = append(ids, resp.JobID)
	}

	testutil.MustWaitFor(t, func() bool {
		for _, id := range ids {
			j, err := store.Get(context.Background(), id)
			if err != nil || j.State != job.StateCompleted || j.FanOutPending {
				return false
			}
		}
		return true
	}, testutil.WithTimeout(5*time.Second))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Close(shutdownCtx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if notifier.count() != len(ids) {
		t.Errorf("notifications = %d, want %d", notifier.count(), len(ids))
	}
	if stats := sched.Stats(); stats.Ticks < int64(3*len(ids)) {
		t.Errorf("ticks = %d, want at least %d", stats.Ticks, 3*len(ids))
	}
}
