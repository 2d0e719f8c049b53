// Package runner holds what the runner adapters share: the status document
// the compute side reports and its mapping onto job.RunStatus.
package runner

import (
	"errors"

	"trainingjobs/internal/job"
)

// Status values reported by compute services
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrMissingAccuracy is returned for a completed status that carries no accuracy.
var ErrMissingAccuracy = errors.New("completed status without accuracy")

// StatusDocument is the JSON status body of a training run. The ML service
// returns it from GET /status/{id}; container runs write it to result.json.
type StatusDocument struct {
	Status              string         `json:"status"`
	Accuracy            *float64       `json:"accuracy,omitempty"`
	ModelA              string         `json:"modelA,omitempty"`
	ModelB              string         `json:"modelB,omitempty"`
	PerformanceA        *float64       `json:"performanceA,omitempty"`
	PerformanceB        *float64       `json:"performanceB,omitempty"`
	BestHyperparameters map[string]any `json:"bestHyperparameters,omitempty"`
	BestPerformance     *float64       `json:"bestPerformance,omitempty"`
	Error               string         `json:"error,omitempty"`
}

// RunStatus maps the document onto a job.RunStatus. Any status other than
// completed or failed means the run is still going.
func (d *StatusDocument) RunStatus() (*job.RunStatus, error) {
	switch d.Status {
	case StatusCompleted:
		if d.Accuracy == nil {
			return nil, ErrMissingAccuracy
		}
		return &job.RunStatus{
			State: job.RunCompleted,
			Result: &job.Result{
				Accuracy:            *d.Accuracy,
				ModelA:              d.ModelA,
				ModelB:              d.ModelB,
				PerformanceA:        d.PerformanceA,
				PerformanceB:        d.PerformanceB,
				BestHyperparameters: d.BestHyperparameters,
				BestPerformance:     d.BestPerformance,
			},
		}, nil
	case StatusFailed:
		msg := d.Error
		if msg == "" {
			msg = "training failed"
		}
		return &job.RunStatus{State: job.RunFailed, Error: msg}, nil
	default:
		return &job.RunStatus{State: job.RunRunning}, nil
	}
}
