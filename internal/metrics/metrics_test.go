package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so metrics appear in Gather()
	RecordChangeEvent("task_update", "dispatched")
	RecordWebhookEvent("accepted")
	RecordDelivery("delivered")
	RecordProcessRetry("sink_transient")
	RedriveSweepsTotal.Inc()
	RedrivenEventsTotal.Inc()
	DispatchQueueDepth.Set(3)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"herald_change_events_total",
		"herald_webhook_events_total",
		"herald_deliveries_total",
		"herald_process_retries_total",
		"herald_redrive_sweeps_total",
		"herald_redriven_events_total",
		"herald_dispatch_queue_depth",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordChangeEvent(t *testing.T) {
	ChangeEventsTotal.Reset()

	tests := []struct {
		name    string
		channel string
		outcome string
		calls   int
	}{
		{name: "single dispatch", channel: "task_update", outcome: "dispatched", calls: 1},
		{name: "repeated parse errors", channel: "task_assigned", outcome: "parse_error", calls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordChangeEvent(tt.channel, tt.outcome)
			}

			got := testutil.ToFloat64(ChangeEventsTotal.WithLabelValues(tt.channel, tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("ChangeEventsTotal[%s,%s] = %v, want %v", tt.channel, tt.outcome, got, float64(tt.calls))
			}
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()

	RecordDelivery("delivered")
	RecordDelivery("delivered")
	RecordDelivery("transient_error")

	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered")); got != 2 {
		t.Errorf("DeliveriesTotal[delivered] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("transient_error")); got != 1 {
		t.Errorf("DeliveriesTotal[transient_error] = %v, want 1", got)
	}
}

func TestRecordWebhookEvent(t *testing.T) {
	WebhookEventsTotal.Reset()

	RecordWebhookEvent("duplicate")
	RecordWebhookEvent("duplicate")

	if got := testutil.ToFloat64(WebhookEventsTotal.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("WebhookEventsTotal[duplicate] = %v, want 2", got)
	}
}
