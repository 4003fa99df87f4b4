// Package metrics provides Prometheus metrics for webhook processing and
// provider reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricWebhookEventsTotal   = "webhook_events_total"
	MetricProviderCallsTotal   = "provider_calls_total"
	MetricProviderCallDuration = "provider_call_duration_seconds"
)

// Outcome label values for webhook events.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeMismatch  = "verification_mismatch"
	OutcomeNotFound  = "not_found"
	OutcomeStale     = "stale"
	OutcomeIntegrity = "integrity_error"
	OutcomeUnknown   = "unknown_event"
	OutcomeError     = "error"
	OutcomeBadSig    = "bad_signature"
)

// Metrics contains Prometheus metrics for webhook reconciliation.
// All operations are thread-safe.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of webhook events by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricProviderCallsTotal,
				Help: "Total number of provider API calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricProviderCallDuration,
				Help:    "Histogram of provider API call duration in seconds by operation",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"operation"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.webhookEvents,
		m.providerCalls,
		m.providerDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncWebhookEvent increments the webhook event counter.
// Safe to call on a nil receiver so unwired components can skip metrics.
func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// IncProviderCall increments the provider call counter.
func (m *Metrics) IncProviderCall(operation, result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, result).Inc()
}

// ObserveProviderCall records a provider call duration sample.
func (m *Metrics) ObserveProviderCall(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation).Observe(seconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.webhookEvents,
		m.providerCalls,
		m.providerDuration,
	}
}
