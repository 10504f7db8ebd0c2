package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the telemetry ingest pipeline.
type IngestMetrics struct {
	MessagesReceived     *prometheus.CounterVec
	MessagesDropped      *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	SessionsOpened       prometheus.Counter
	SessionsClosed       prometheus.Counter
	HandlerDuration      *prometheus.HistogramVec
	registry             *prometheus.Registry
}

// NewIngestMetrics creates a new instance of IngestMetrics registered with
// the given registry.
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for IngestMetrics.
func (m *IngestMetrics) initMetrics() {
	m.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_received_total",
		Help: "Total number of messages dispatched to a handler, by message kind",
	}, []string{"kind"})

	m.MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_dropped_total",
		Help: "Total number of messages dropped, by message kind and reason",
	}, []string{"kind", "reason"})

	m.DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_duplicates_suppressed_total",
		Help: "Total number of counting updates suppressed as duplicate cumulative totals",
	})

	m.SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_gps_sessions_opened_total",
		Help: "Total number of GPS test sessions opened",
	})

	m.SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_gps_sessions_closed_total",
		Help: "Total number of GPS test sessions closed by a summary",
	})

	m.HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_handler_duration_seconds",
		Help:    "Time spent handling one message, by message kind",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"kind"})
}

// IncrementMessagesReceived increments the received counter for a message kind.
func (m *IngestMetrics) IncrementMessagesReceived(kind string) {
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// IncrementMessagesDropped increments the dropped counter for a kind and reason.
func (m *IngestMetrics) IncrementMessagesDropped(kind, reason string) {
	m.MessagesDropped.WithLabelValues(kind, reason).Inc()
}

// IncrementDuplicatesSuppressed increments the duplicate suppression counter.
func (m *IngestMetrics) IncrementDuplicatesSuppressed() {
	m.DuplicatesSuppressed.Inc()
}

// IncrementSessionsOpened increments the opened session counter.
func (m *IngestMetrics) IncrementSessionsOpened() {
	m.SessionsOpened.Inc()
}

// IncrementSessionsClosed increments the closed session counter.
func (m *IngestMetrics) IncrementSessionsClosed() {
	m.SessionsClosed.Inc()
}

// StartHandlerTimer returns a timer for measuring handler duration of a kind.
func (m *IngestMetrics) StartHandlerTimer(kind string) *prometheus.Timer {
	return prometheus.NewTimer(m.HandlerDuration.WithLabelValues(kind))
}

// Collect implements the prometheus.Collector interface.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.MessagesReceived.Collect(ch)
	m.MessagesDropped.Collect(ch)
	m.DuplicatesSuppressed.Collect(ch)
	m.SessionsOpened.Collect(ch)
	m.SessionsClosed.Collect(ch)
	m.HandlerDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.MessagesReceived.Describe(ch)
	m.MessagesDropped.Describe(ch)
	m.DuplicatesSuppressed.Describe(ch)
	m.SessionsOpened.Describe(ch)
	m.SessionsClosed.Describe(ch)
	m.HandlerDuration.Describe(ch)
}
