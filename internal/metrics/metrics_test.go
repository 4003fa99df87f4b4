package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.webhookEvents == nil {
		t.Error("webhookEvents is nil")
	}
	if m.providerCalls == nil {
		t.Error("providerCalls is nil")
	}
	if m.providerDuration == nil {
		t.Error("providerDuration is nil")
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	// Increment counters to create metrics entries
	m.IncWebhookEvent("charge.completed", OutcomeProcessed)
	m.IncProviderCall("verify_transaction", "ok")
	m.ObserveProviderCall("verify_transaction", 0.2)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range metrics {
		found[mf.GetName()] = true
	}
	for _, name := range []string{MetricWebhookEventsTotal, MetricProviderCallsTotal, MetricProviderCallDuration} {
		if !found[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestMetrics_RegisterDuplicate(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	if err := m.Register(reg); err != nil {
		t.Fatalf("first Register() failed: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected error registering the same collectors twice")
	}
}

// A nil *Metrics is a valid no-op sink for components wired without metrics.
func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.IncWebhookEvent("charge.completed", OutcomeProcessed)
	m.IncProviderCall("create_refund", "error")
	m.ObserveProviderCall("create_transfer", 1.5)
}
