package notify

import (
	"log/slog"

	"github.com/nats-io/nats.go"

	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/job"
)

// Build assembles the notifier described by cfg. HTTP deliveries go through
// d, which may be nil when cfg.URL is empty. The returned NATS notifier is
// nil unless NATS is configured; the caller closes it on shutdown.
func Build(cfg Config, d dispatcher.Dispatcher) (job.VersionNotifier, *NATSNotifier, error) {
	cfg = cfg.withDefaults()

	var sinks Multi
	if cfg.URL != "" && d != nil {
		sinks = append(sinks, NewHTTP(d, cfg.URL, cfg.SigningKey))
	}

	var natsNotifier *NATSNotifier
	if cfg.NATSURL != "" {
		n, err := ConnectNATS(cfg.NATSURL, cfg.NATSSubject, nats.Timeout(cfg.NATSTimeout))
		if err != nil {
			return nil, nil, err
		}
		natsNotifier = n
		sinks = append(sinks, n)
	}

	switch len(sinks) {
	case 0:
		slog.Info("No version notification sink configured, logging only")
		return NewLog(), nil, nil
	case 1:
		return sinks[0], natsNotifier, nil
	default:
		return sinks, natsNotifier, nil
	}
}
