// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender.
package cloudevent

import (
	"encoding/json"
	"time"
)

// SpecVersion is the CloudEvents specification version produced by this package.
const SpecVersion = "1.0"

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Encode returns the structured-mode JSON encoding of the event.
func (e *CloudEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
