// runner.go: subscription lifecycle and per-message dispatch.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vanrodolf/fleetgrid/internal/conf"
	"github.com/vanrodolf/fleetgrid/internal/datastore"
	"github.com/vanrodolf/fleetgrid/internal/errors"
	"github.com/vanrodolf/fleetgrid/internal/logging"
	"github.com/vanrodolf/fleetgrid/internal/mqtt"
	"github.com/vanrodolf/fleetgrid/internal/observability"
	"github.com/vanrodolf/fleetgrid/internal/observability/metrics"
)

// Topic suffixes the runner dispatches on.
const (
	suffixPeople  = "/people"
	suffixSample  = "/test/sample"
	suffixSummary = "/test/summary"
)

// Message kinds, used as metric labels and in logs.
const (
	kindPeople  = "people"
	kindSample  = "test-sample"
	kindSummary = "test-summary"
)

// Runner owns the MQTT subscriptions and dispatches every inbound message to
// the matching handler. A handler failure is logged and dropped; nothing a
// device publishes can take the subscription down.
type Runner struct {
	client      mqtt.Client
	handlers    *Handlers
	topicPrefix string
	log         *slog.Logger
	metrics     *observability.Metrics
}

// NewRunner wires a runner from application settings. The metrics argument
// may be nil.
func NewRunner(settings *conf.Settings, store datastore.Interface, client mqtt.Client, m *observability.Metrics) (*Runner, error) {
	loc, err := settings.TimeLocation()
	if err != nil {
		return nil, errors.New(fmt.Errorf("resolving timezone: %w", err)).
			Component("ingest").
			Category(errors.CategoryConfiguration).
			Build()
	}

	log, _, err := logging.NewFileLogger(&settings.Ingest.Log, settings.Ingest.Log.Path, "ingest", fileLogLevel(settings.Debug))
	if err != nil || log == nil {
		log = slog.Default().With("service", "ingest")
	}

	var ingestMetrics *metrics.IngestMetrics
	if m != nil {
		ingestMetrics = m.Ingest
	}

	handlers := NewHandlers(store, &HandlersConfig{
		DefaultLabel:    settings.Ingest.DefaultLabel,
		SummaryLookback: settings.Ingest.SummaryLookback,
		Location:        loc,
	}, log, ingestMetrics)

	return &Runner{
		client:      client,
		handlers:    handlers,
		topicPrefix: settings.Ingest.TopicPrefix,
		log:         log,
		metrics:     m,
	}, nil
}

// fileLogLevel maps the debug flag to the ingest file logger level, so the
// handlers' per-message Debug lines land in the log file when debugging.
func fileLogLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Handlers exposes the handler set, used by tests and embedding hosts.
func (r *Runner) Handlers() *Handlers {
	return r.handlers
}

// Start registers the three device-scoped subscriptions and connects in the
// background. It returns once the subscriptions are registered; the paho
// client owns the network loop and keeps reconnecting on its own.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.subscribeAll(); err != nil {
		return err
	}

	go func() {
		if err := r.connectWithRetry(ctx); err != nil {
			r.log.Error("Giving up on MQTT connection", "error", err)
		}
	}()

	r.log.Info("Ingest runner started in background", "prefix", r.topicPrefix)
	return nil
}

// Run is the blocking lifecycle: it connects, then serves until the context
// is cancelled, and disconnects on the way out.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.subscribeAll(); err != nil {
		return err
	}

	if err := r.connectWithRetry(ctx); err != nil {
		return err
	}

	r.log.Info("Ingest runner serving", "prefix", r.topicPrefix)
	<-ctx.Done()

	r.log.Info("Ingest runner shutting down")
	r.client.Disconnect()
	return nil
}

// subscribeAll registers the three topic filters with their handlers.
func (r *Runner) subscribeAll() error {
	for _, suffix := range []string{suffixPeople, suffixSample, suffixSummary} {
		filter := fmt.Sprintf("%s/+%s", r.topicPrefix, suffix)
		if err := r.client.Subscribe(filter, r.Dispatch); err != nil {
			return err
		}
	}
	return nil
}

// connectWithRetry keeps attempting the initial connect until it succeeds or
// the context ends. Reconnects after the first success are paho's job. The
// backoff starts at the client's connect cooldown; anything shorter gets
// rejected by the client before reaching the broker.
func (r *Runner) connectWithRetry(ctx context.Context) error {
	backoff := mqtt.ConnectCooldown
	const maxBackoff = 30 * time.Second

	for {
		err := r.client.Connect(ctx)
		if err == nil {
			return nil
		}
		r.log.Warn("MQTT connect failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return errors.New(fmt.Errorf("connect abandoned: %w", ctx.Err())).
				Component("ingest").
				Category(errors.CategoryMQTTConnection).
				Build()
		}
	}
}

// Dispatch routes one inbound message by topic suffix. Unmatched topics are
// ignored. Handler errors and panics stop at this boundary.
func (r *Runner) Dispatch(topic string, payload []byte) {
	var kind string
	var handle func(string, []byte) error

	switch {
	case strings.HasSuffix(topic, suffixPeople):
		kind, handle = kindPeople, r.handlers.HandlePeople
	case strings.HasSuffix(topic, suffixSample):
		kind, handle = kindSample, r.handlers.HandleTestSample
	case strings.HasSuffix(topic, suffixSummary):
		kind, handle = kindSummary, r.handlers.HandleTestSummary
	default:
		return
	}

	if r.metrics != nil {
		r.metrics.Ingest.IncrementMessagesReceived(kind)
		defer r.metrics.Ingest.StartHandlerTimer(kind).ObserveDuration()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Handler panic recovered",
				"kind", kind,
				"topic", topic,
				"payload", string(payload),
				"panic", rec,
				"stack", string(debug.Stack()))
			if r.metrics != nil {
				r.metrics.Ingest.IncrementMessagesDropped(kind, "panic")
			}
		}
	}()

	if err := handle(topic, payload); err != nil {
		r.logDropped(kind, topic, payload, err)
	}
}

// logDropped records a dropped message with a reason derived from the error.
func (r *Runner) logDropped(kind, topic string, payload []byte, err error) {
	reason := "error"
	var ee *errors.EnhancedError

	switch {
	case errors.Is(err, ErrMalformedTopic):
		// Wrong segment count, nothing actionable in it.
		reason = "malformed-topic"
		r.log.Debug("Ignoring message on malformed topic", "topic", topic)
	case errors.Is(err, ErrUnknownDevice):
		reason = "unknown-device"
		r.log.Error("No bus found for topic", "kind", kind, "topic", topic)
	case errors.As(err, &ee):
		reason = ee.GetCategory()
		attrs := append(ee.LogAttrs(), "kind", kind, "topic", topic, "payload", string(payload), "error", err)
		r.log.Error("Message dropped", attrs...)
	default:
		r.log.Error("Message dropped", "kind", kind, "topic", topic, "payload", string(payload), "error", err)
	}

	if r.metrics != nil {
		r.metrics.Ingest.IncrementMessagesDropped(kind, reason)
	}
}
