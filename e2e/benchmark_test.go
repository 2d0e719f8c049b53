//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/job"
	"trainingjobs/internal/testutil"
)

// BenchmarkStartJob measures job creation and submission through the API.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkStartJob -benchtime=10s ./e2e/
func BenchmarkStartJob(b *testing.B) {
	s := newStack(b)
	s.ml.script("bench", running())
	c := s.client(b, "bench-user")

	var seq atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := seq.Add(1)
			_, err := c.StartJob(context.Background(), &job.StartRequest{
				Payload:      job.Payload{ModelType: "bert", Dataset: "bench"},
				RequestToken: fmt.Sprintf("bench-%d", n),
			}, "")
			if err != nil {
				b.Errorf("StartJob() error = %v", err)
			}
		}
	})
	b.StopTimer()
	b.ReportMetric(float64(s.ml.trainCalls()), "submissions")
}

// TestNotificationThroughput measures how many signed version events the
// dispatcher delivers.
func TestNotificationThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numEvents   = 5000
		concurrency = 50
	)

	wh := newWebhook(t)
	d := dispatcher.NewMemory(dispatcher.Config{
		BufferSize:  numEvents,
		Workers:     concurrency,
		HTTPTimeout: 5 * time.Second,
	}, nil)
	defer d.Close(context.Background())

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	start := time.Now()
	for i := range numEvents {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(id int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			ev := job.VersionEvent{
				JobID:       fmt.Sprintf("job-%d", id),
				UserID:      "bench-user",
				ModelType:   "bert",
				Performance: 0.9,
			}
			err := d.Dispatch(&dispatcher.Delivery{Event: ev.CloudEvent(), URL: wh.URL, SigningKey: signingKey})
			if err != nil {
				t.Logf("Dispatch error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	dispatchDuration := time.Since(start)

	testutil.WaitForCount(t, &wh.received, numEvents, testutil.WithTimeout(30*time.Second))
	total := time.Since(start)

	stats := d.Stats()
	received := wh.received.Load()
	t.Logf("Dispatched: %d events in %v", numEvents, dispatchDuration)
	t.Logf("Received:   %d/%d", received, numEvents)
	t.Logf("Delivered:  %d, failed: %d, dropped: %d", stats.Delivered, stats.Failed, stats.Dropped)
	t.Logf("Throughput: %.0f events/sec", float64(received)/total.Seconds())

	if received < int64(numEvents*0.99) {
		t.Errorf("Expected at least 99%% delivery, got %.1f%%", float64(received)/float64(numEvents)*100)
	}
	if n := wh.badSigs.Load(); n != 0 {
		t.Errorf("bad signatures = %d, want 0", n)
	}
}

// TestConcurrentJobsToCompletion starts many jobs at once and waits for
// every one of them to complete and notify exactly once.
func TestConcurrentJobsToCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent jobs test in short mode")
	}

	const (
		numJobs     = 50
		concurrency = 10
	)

	s := newStack(t)
	c := s.client(t, "load-user")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       []string
		failed    atomic.Int64
		semaphore = make(chan struct{}, concurrency)
	)

	start := time.Now()
	for i := range numJobs {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			resp, err := c.StartJob(context.Background(), &job.StartRequest{
				Payload: job.Payload{ModelType: "bert", Dataset: fmt.Sprintf("shard-%d", n)},
			}, "")
			if err != nil {
				failed.Add(1)
				t.Logf("StartJob error: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, resp.JobID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if failed.Load() > 0 {
		t.Fatalf("%d of %d starts failed", failed.Load(), numJobs)
	}

	testutil.MustWaitFor(t, func() bool {
		jobs, err := c.ListJobs(context.Background(), 100)
		if err != nil {
			return false
		}
		done := 0
		for _, j := range jobs {
			if j.State == job.StateCompleted {
				done++
			}
		}
		return done == numJobs
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(50*time.Millisecond))

	testutil.MustWaitForCount(t, &s.webhook.received, numJobs, testutil.WithTimeout(10*time.Second))
	t.Logf("Completed %d jobs in %v", numJobs, time.Since(start))

	// Let any stray duplicate arrive before counting.
	time.Sleep(200 * time.Millisecond)
	if got := s.webhook.received.Load(); got != numJobs {
		t.Errorf("webhooks = %d, want %d", got, numJobs)
	}
	for _, id := range ids {
		if n := len(s.webhook.eventsFor(id)); n != 1 {
			t.Errorf("job %s notified %d times, want 1", id, n)
		}
	}
}
