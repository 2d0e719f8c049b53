package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Poll outcomes
const (
	PollRunning   = "running"
	PollCompleted = "completed"
	PollFailed    = "failed"
	PollTransient = "transient"
	PollError     = "error"
	PollExhausted = "exhausted"
)

// Metrics holds the golden signals for the API, the job lifecycle, the poll
// loop, fan-out and notification delivery. All Record methods are safe on a
// nil receiver.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration       metric.Float64Histogram
	JobsTotal         metric.Int64Counter
	JobSubmitFailures metric.Int64Counter
	JobErrorsTotal    metric.Int64Counter
	JobsActive        metric.Int64UpDownCounter

	// Poll metrics
	PollDuration metric.Float64Histogram
	PollsTotal   metric.Int64Counter
	PollBacklog  metric.Int64Gauge

	// Fan-out metrics
	FanOutSaves  metric.Int64Counter
	FanOutErrors metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge

	// Circuit breakers guarding the ML service and notification hosts
	BreakerTransitions metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("trainingjobs")}
	if err := m.register(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) register() error {
	var err error
	meter := m.meter

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return err
	}

	// Job metrics
	if m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from job creation to a terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 600, 1800, 3600, 7200, 14400, 28800, 86400),
	); err != nil {
		return err
	}
	if m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted to the runner"),
	); err != nil {
		return err
	}
	if m.JobSubmitFailures, err = meter.Int64Counter(
		"job_submit_failures_total",
		metric.WithDescription("Total number of failed submissions to the runner"),
	); err != nil {
		return err
	}
	if m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	); err != nil {
		return err
	}
	if m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of submitted jobs not yet terminal (saturation)"),
	); err != nil {
		return err
	}

	// Poll metrics
	if m.PollDuration, err = meter.Float64Histogram(
		"poll_duration_seconds",
		metric.WithDescription("Runner status call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total number of status polls by outcome"),
	); err != nil {
		return err
	}
	if m.PollBacklog, err = meter.Int64Gauge(
		"poll_backlog",
		metric.WithDescription("Jobs found due by the last sweep (saturation)"),
	); err != nil {
		return err
	}

	// Fan-out metrics
	if m.FanOutSaves, err = meter.Int64Counter(
		"fanout_saves_total",
		metric.WithDescription("Total derived artifacts written by kind"),
	); err != nil {
		return err
	}
	if m.FanOutErrors, err = meter.Int64Counter(
		"fanout_errors_total",
		metric.WithDescription("Total derived artifact saves that failed after retries"),
	); err != nil {
		return err
	}

	// Dispatcher metrics
	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	); err != nil {
		return err
	}
	if m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	); err != nil {
		return err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	); err != nil {
		return err
	}
	if m.BreakerTransitions, err = meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes by breaker and new state"),
	); err != nil {
		return err
	}
	return nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by the runner.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, modelType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(modelTypeAttr(modelType))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordSubmitFailed records a submission the runner rejected.
func (m *Metrics) RecordSubmitFailed(ctx context.Context, modelType string) {
	if m == nil {
		return
	}
	m.JobSubmitFailures.Add(ctx, 1, metric.WithAttributes(modelTypeAttr(modelType)))
}

// RecordJobFinished records a submitted job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, modelType string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(modelTypeAttr(modelType), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(modelTypeAttr(modelType)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPoll records one runner status call and its outcome.
func (m *Metrics) RecordPoll(ctx context.Context, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.PollsTotal.Add(ctx, 1, attrs)
	m.PollDuration.Record(ctx, durationSeconds, attrs)
}

// RecordPollBacklog records how many jobs the last sweep found due.
func (m *Metrics) RecordPollBacklog(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.PollBacklog.Record(ctx, size)
}

// RecordFanOutSave records a derived artifact write. created is false for
// records that already existed.
func (m *Metrics) RecordFanOutSave(ctx context.Context, kind string, created bool) {
	if m == nil {
		return
	}
	m.FanOutSaves.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), successAttr(created)))
}

// RecordFanOutError records a derived artifact that could not be written.
func (m *Metrics) RecordFanOutError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FanOutErrors.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordBreakerTransition records a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(breakerAttr(breaker), stateAttr(state)))
}
