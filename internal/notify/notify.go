// Package notify delivers the model version signal sent when a job's metric
// is first recorded. Delivery is fire-and-forget: sinks queue or publish and
// return, and nothing waits for a receiver.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/job"
)

// DefaultSubject is the NATS subject used when none is configured.
const DefaultSubject = job.EventTypeModelVersion

// HTTPNotifier posts version events as CloudEvents through a dispatcher.
type HTTPNotifier struct {
	dispatcher dispatcher.Dispatcher
	url        string
	signingKey string
}

// NewHTTP creates a notifier that queues deliveries to url on d.
func NewHTTP(d dispatcher.Dispatcher, url, signingKey string) *HTTPNotifier {
	return &HTTPNotifier{dispatcher: d, url: url, signingKey: signingKey}
}

// NotifyVersion queues the event. It fails only when the dispatcher refuses it.
func (n *HTTPNotifier) NotifyVersion(_ context.Context, ev job.VersionEvent) error {
	return n.dispatcher.Dispatch(&dispatcher.Delivery{
		Event:      ev.CloudEvent(),
		URL:        n.url,
		SigningKey: n.signingKey,
	})
}

// publisher is the part of *nats.Conn the NATS notifier uses.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes version events on a NATS subject.
type NATSNotifier struct {
	pub     publisher
	conn    *nats.Conn
	subject string
}

// ConnectNATS connects to the server at url and returns a notifier
// publishing on subject.
func ConnectNATS(url, subject string, opts ...nats.Option) (*NATSNotifier, error) {
	logger := slog.With("component", "notify", "nats", url)
	opts = append([]nats.Option{
		nats.Name("training-orchestrator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}, opts...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n := newNATS(conn, subject)
	n.conn = conn
	return n, nil
}

func newNATS(pub publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// NotifyVersion publishes the event in CloudEvents structured JSON. The
// Nats-Msg-Id header lets JetStream streams drop redeliveries.
func (n *NATSNotifier) NotifyVersion(_ context.Context, ev job.VersionEvent) error {
	ce := ev.CloudEvent()
	body, err := ce.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = body
	msg.Header.Set("Content-Type", "application/cloudevents+json")
	msg.Header.Set("Ce-Type", ce.Type)
	msg.Header.Set("Ce-Id", ce.ID)
	msg.Header.Set(nats.MsgIdHdr, ce.ID)

	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// Ready reports whether the NATS connection is up.
func (n *NATSNotifier) Ready(context.Context) error {
	if n.conn == nil {
		return nil
	}
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", n.conn.Status())
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// LogNotifier writes version events to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a notifier that only logs.
func NewLog() *LogNotifier {
	return &LogNotifier{logger: slog.With("component", "notify")}
}

// NotifyVersion logs the event.
func (n *LogNotifier) NotifyVersion(ctx context.Context, ev job.VersionEvent) error {
	n.logger.InfoContext(ctx, "Model version recorded",
		"jobId", ev.JobID,
		"userId", ev.UserID,
		"modelType", ev.ModelType,
		"performance", ev.Performance,
	)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []job.VersionNotifier

// NotifyVersion calls each notifier in turn.
func (m Multi) NotifyVersion(ctx context.Context, ev job.VersionEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyVersion(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ job.VersionNotifier = (*HTTPNotifier)(nil)
	_ job.VersionNotifier = (*NATSNotifier)(nil)
	_ job.VersionNotifier = (*LogNotifier)(nil)
	_ job.VersionNotifier = Multi(nil)
)
