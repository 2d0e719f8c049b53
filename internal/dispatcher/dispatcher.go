// Package dispatcher delivers CloudEvents to HTTP endpoints in the background,
// with retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"trainingjobs/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when a delivery cannot be queued and is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, delivery dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues deliveries for asynchronous sending.
type Dispatcher interface {
	// Dispatch queues a delivery. It never blocks.
	Dispatch(d *Delivery) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting deliveries and drains the queue until ctx expires.
	Close(ctx context.Context) error
}

// Delivery is one event bound for one URL.
type Delivery struct {
	Event      *cloudevent.CloudEvent
	URL        string
	SigningKey string // HMAC key, empty = unsigned

	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total deliveries accepted
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // put back while the destination's breaker was open
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
