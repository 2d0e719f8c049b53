package job

import (
	"slices"
	"time"
)

// State is the lifecycle position of a training job.
type State string

// State constants
const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Reason is the machine-readable cause recorded on a failed job.
type Reason string

// Failure reasons
const (
	ReasonCancelled     Reason = "cancelled"
	ReasonPollExhausted Reason = "poll_exhausted"
	ReasonPollError     Reason = "poll_error"
	ReasonRunnerFailed  Reason = "runner_failed"
)

// Payload is the training configuration supplied by the caller.
// It is passed to the runner unchanged.
type Payload struct {
	ModelType       string         `json:"modelType"`
	Dataset         string         `json:"dataset"`
	ABTesting       bool           `json:"abTesting"`
	AutoTuning      bool           `json:"autoTuning"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
}

// Result is what the runner reported for a completed job.
type Result struct {
	Accuracy            float64        `json:"accuracy"`
	ModelA              string         `json:"modelA,omitempty"`
	ModelB              string         `json:"modelB,omitempty"`
	PerformanceA        *float64       `json:"performanceA,omitempty"`
	PerformanceB        *float64       `json:"performanceB,omitempty"`
	BestHyperparameters map[string]any `json:"bestHyperparameters,omitempty"`
	BestPerformance     *float64       `json:"bestPerformance,omitempty"`
}

// HasABFields reports whether the result carries a complete A/B comparison.
func (r *Result) HasABFields() bool {
	return r != nil && r.ModelA != "" && r.ModelB != "" && r.PerformanceA != nil && r.PerformanceB != nil
}

// HasTuningFields reports whether the result carries an auto-tuning outcome.
func (r *Result) HasTuningFields() bool {
	return r != nil && len(r.BestHyperparameters) > 0 && r.BestPerformance != nil
}

// Job is the durable record of one training run.
type Job struct {
	ID           string
	UserID       string
	RequestToken string
	ExternalID   string
	State        State
	Payload      Payload
	Result       *Result
	Error        string
	Reason       Reason

	PollCount     int       // running responses seen
	PollRetries   int       // consecutive transient poll errors
	NextPollAt    time.Time // zero when nothing is scheduled
	ClaimedUntil  time.Time // lease held by a tick or a submission
	FanOutPending bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload.Hyperparameters = cloneMap(j.Payload.Hyperparameters)
	if j.Result != nil {
		r := *j.Result
		r.BestHyperparameters = cloneMap(j.Result.BestHyperparameters)
		c.Result = &r
	}
	return &c
}

// Due reports whether the job has scheduled work at now and no live lease.
func (j *Job) Due(now time.Time) bool {
	if j.NextPollAt.IsZero() || j.NextPollAt.After(now) || j.ClaimedUntil.After(now) {
		return false
	}
	switch j.State {
	case StateSubmitted, StatePolling:
		return true
	case StateCompleted:
		return j.FanOutPending
	default:
		return false
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunState is the status reported by the external runner.
type RunState string

// Runner states
const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunStatus is a single poll response from the runner.
type RunStatus struct {
	State  RunState
	Result *Result // set when State is RunCompleted
	Error  string  // set when State is RunFailed
}

// SubmitRequest is handed to the runner on submission.
type SubmitRequest struct {
	JobID   string
	UserID  string
	Payload Payload
}

// StartRequest is the input of StartJob.
type StartRequest struct {
	Payload
	RequestToken string `json:"requestToken,omitempty"`
}

// StartResponse is returned by StartJob.
type StartResponse struct {
	JobID string `json:"jobId"`
	State State  `json:"state"`
}

// Status is the caller-facing view of a job.
type Status struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	ModelType   string     `json:"modelType"`
	Dataset     string     `json:"dataset"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Reason      Reason     `json:"reason,omitempty"`
	PollCount   int        `json:"pollCount"`
	PollRetries int        `json:"pollRetries"`
	NextPollAt  *time.Time `json:"nextPollAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewStatus builds the caller-facing view of j.
func NewStatus(j *Job) *Status {
	s := &Status{
		ID:          j.ID,
		State:       j.State,
		ModelType:   j.Payload.ModelType,
		Dataset:     j.Payload.Dataset,
		Error:       j.Error,
		Reason:      j.Reason,
		PollCount:   j.PollCount,
		PollRetries: j.PollRetries,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.State == StateCompleted {
		s.Result = j.Result
	}
	if !j.NextPollAt.IsZero() && !j.State.Terminal() {
		next := j.NextPollAt
		s.NextPollAt = &next
	}
	return s
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// Metric is the performance record written for every completed job.
type Metric struct {
	JobID     string    `json:"jobId"`
	UserID    string    `json:"userId"`
	ModelType string    `json:"modelType"`
	Dataset   string    `json:"dataset"`
	Name      string    `json:"metric"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// ABResult records the outcome of an A/B comparison.
type ABResult struct {
	JobID        string    `json:"jobId"`
	UserID       string    `json:"userId"`
	ModelA       string    `json:"modelA"`
	ModelB       string    `json:"modelB"`
	PerformanceA float64   `json:"performanceA"`
	PerformanceB float64   `json:"performanceB"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TuningResult records the best configuration found by auto-tuning.
type TuningResult struct {
	JobID               string         `json:"jobId"`
	UserID              string         `json:"userId"`
	BestHyperparameters map[string]any `json:"bestHyperparameters"`
	Performance         float64        `json:"performance"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// DerivedArtifact groups the records produced when a job completes.
type DerivedArtifact struct {
	Metric       *Metric       `json:"metric,omitempty"`
	ABResult     *ABResult     `json:"abResult,omitempty"`
	TuningResult *TuningResult `json:"tuningResult,omitempty"`
}

// PerformancePoint is one entry of a user's performance history.
type PerformancePoint struct {
	Date     string  `json:"date"`
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(allStates, s)
}

var allStates = []State{StateCreated, StateSubmitted, StatePolling, StateCompleted, StateFailed}
