package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"trainingjobs/internal/observability"
	"trainingjobs/pkg/backoff"
	"trainingjobs/pkg/circuitbreaker"
	"trainingjobs/pkg/cloudevent"
)

// MemoryDispatcher queues deliveries in a bounded channel served by a worker
// pool. A full buffer drops the delivery (logged and counted). Deliveries to
// a host whose breaker is open are put back after the cooldown.
type MemoryDispatcher struct {
	queue    chan *Delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	backoff  *backoff.Config
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates an in-memory dispatcher and starts its workers.
// metrics may be nil.
func NewMemory(cfg Config, metrics *observability.Metrics) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	logger := slog.With("component", "dispatcher")
	d := &MemoryDispatcher{
		queue:  make(chan *Delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(host string, from, to circuitbreaker.State) {
				logger.Info("Destination breaker changed", "destination", host, "from", from.String(), "to", to.String())
				metrics.RecordBreakerTransition(context.Background(), host, to.String())
			},
		}),
		backoff:  &backoff.Config{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a delivery without blocking.
func (d *MemoryDispatcher) Dispatch(del *Delivery) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- del:
		d.queued.Add(1)
		return nil
	default:
		d.drop(del, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting deliveries, drains the queue and waits for the
// workers until ctx expires.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case del := <-d.queue:
			d.deliver(del)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case del := <-d.queue:
			d.deliver(del)
		default:
			return
		}
	}
}

// deliver sends one delivery through its host's breaker. Client errors
// (4xx other than 408/429) fail the delivery without counting against
// the host.
func (d *MemoryDispatcher) deliver(del *Delivery) {
	host := extractHost(del.URL)
	breaker := d.breakers.Get(host)

	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout())
	defer cancel()

	start := time.Now()
	err := breaker.Execute(func() error {
		return d.sendWithRetry(ctx, del)
	}, func(err error) bool {
		return !cloudevent.IsClientError(err)
	})

	switch {
	case err == nil:
		d.delivered.Add(1)
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.requeue(del, host)
	default:
		d.failed.Add(1)
		d.metrics.RecordDispatcherFailed(ctx)
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", del.Event.Type,
			"subject", del.Event.Subject,
			"error", err,
		)
	}
}

// deliveryTimeout bounds one delivery including its retries.
func (d *MemoryDispatcher) deliveryTimeout() time.Duration {
	return time.Duration(d.cfg.MaxRetries+1)*d.cfg.HTTPTimeout + backoff.Max(d.backoff)*time.Duration(d.cfg.MaxRetries)
}

// requeue puts a delivery back after the breaker cooldown.
func (d *MemoryDispatcher) requeue(del *Delivery, host string) {
	if del.requeues >= d.cfg.MaxRequeues {
		d.drop(del, "max requeues reached")
		return
	}

	del.requeues++
	d.requeued.Add(1)
	d.metrics.RecordDispatcherRequeued(context.Background())

	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(d.cfg.BreakerCooldown):
		}

		select {
		case d.queue <- del:
			d.logger.Debug("Delivery requeued", "destination", host, "requeues", del.requeues)
		case <-d.shutdown:
		default:
			d.drop(del, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(del *Delivery, reason string) {
	d.dropped.Add(1)
	d.metrics.RecordDispatcherDropped(context.Background())
	d.logger.Warn("Delivery dropped",
		"reason", reason,
		"destination", extractHost(del.URL),
		"type", del.Event.Type,
		"requeues", del.requeues,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, del *Delivery) error {
	opts := cloudevent.SendOptions{SigningKey: del.SigningKey}

	var lastErr error
	for attempt := range d.cfg.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, d.backoff)):
			}
		}

		lastErr = d.sender.Send(ctx, del.URL, del.Event, opts)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost keys breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
