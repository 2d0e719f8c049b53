// Package runnertest provides a scripted job.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"sync"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
)

// Response is one scripted answer to PollStatus.
type Response struct {
	Status *job.RunStatus
	Err    error
}

// Running reports the run as still in progress.
func Running() Response {
	return Response{Status: &job.RunStatus{State: job.RunRunning}}
}

// Completed reports the run as finished with r.
func Completed(r *job.Result) Response {
	return Response{Status: &job.RunStatus{State: job.RunCompleted, Result: r}}
}

// Failed reports the run as failed with msg.
func Failed(msg string) Response {
	return Response{Status: &job.RunStatus{State: job.RunFailed, Error: msg}}
}

// Transient fails the poll with a retriable error.
func Transient() Response {
	return Response{Err: apperrors.TransientPoll("status", errors.New("service unavailable"))}
}

// PollErr fails the poll with a non-retriable error.
func PollErr() Response {
	return Response{Err: apperrors.Poll("status", errors.New("unknown run"))}
}

// Fake is a job.Runner and job.Canceler whose answers are scripted per
// external ID. External IDs are "ext-" + job ID so scripts can be set up
// before submission. An unscripted run reports Running.
type Fake struct {
	mu         sync.Mutex
	submitErrs []error
	scripts    map[string][]Response
	submits    []job.SubmitRequest
	polls      map[string]int
	cancelled  []string
	readyErr   error
}

// NewFake creates a runner with no scripted behaviour.
func NewFake() *Fake {
	return &Fake{
		scripts: make(map[string][]Response),
		polls:   make(map[string]int),
	}
}

// ExternalID returns the external ID the fake assigns to a job.
func ExternalID(jobID string) string {
	return "ext-" + jobID
}

// FailSubmits makes the next submissions fail with errs, in order.
func (f *Fake) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// Script queues poll answers for an external ID. The last answer repeats.
func (f *Fake) Script(externalID string, responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[externalID] = append(f.scripts[externalID], responses...)
}

// SetReady sets the error returned by Ready.
func (f *Fake) SetReady(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyErr = err
}

// Submit records the request and returns ExternalID(req.JobID).
func (f *Fake) Submit(_ context.Context, req *job.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, *req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}
	return ExternalID(req.JobID), nil
}

// PollStatus returns the next scripted answer for externalID.
func (f *Fake) PollStatus(_ context.Context, externalID string) (*job.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[externalID]++

	script := f.scripts[externalID]
	if len(script) == 0 {
		return Running().Status, nil
	}
	next := script[0]
	if len(script) > 1 {
		f.scripts[externalID] = script[1:]
	}
	return next.Status, next.Err
}

// Cancel records the cancellation.
func (f *Fake) Cancel(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

// Ready returns the error configured with SetReady.
func (f *Fake) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

// Submits returns the submission requests seen so far.
func (f *Fake) Submits() []job.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.SubmitRequest(nil), f.submits...)
}

// Polls returns how many times externalID was polled.
func (f *Fake) Polls(externalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[externalID]
}

// Cancelled returns the external IDs passed to Cancel.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}
