package job

import (
	"trainingjobs/pkg/cloudevent"
)

// Event attributes for the model version notification
const (
	EventTypeModelVersion = "training.model.version"
	EventSource           = "training-orchestrator"
)

// VersionEvent announces that a job produced a new model performance figure.
type VersionEvent struct {
	JobID       string  `json:"jobId"`
	UserID      string  `json:"userId"`
	ModelType   string  `json:"modelType"`
	Performance float64 `json:"performance"`
}

// CloudEvent converts the event to its CloudEvents form. The event ID is
// derived from the job so receivers can drop redeliveries.
func (e VersionEvent) CloudEvent() *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":       e.JobID,
		"userId":      e.UserID,
		"modelType":   e.ModelType,
		"performance": e.Performance,
	}
	return cloudevent.New(EventTypeModelVersion, EventSource, e.JobID, e.JobID+"-version", data)
}
