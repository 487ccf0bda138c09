package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ChangeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_change_events_total",
			Help: "Total number of change notifications received, by channel and outcome.",
		},
		[]string{"channel", "outcome"}, // outcome: dispatched, parse_error, dropped
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_webhook_events_total",
			Help: "Total number of inbound webhook deliveries, by outcome.",
		},
		[]string{"outcome"}, // accepted, duplicate, bad_signature, bad_payload, store_error
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Total number of sink deliveries by result.",
		},
		[]string{"result"}, // delivered, recipient_not_found, transient_error
	)

	ProcessRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_process_retries_total",
			Help: "Total number of webhook processing retries by reason.",
		},
		[]string{"reason"}, // e.g. sink_transient, store_error, other
	)

	RedriveSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_redrive_sweeps_total",
			Help: "Total number of re-drive sweeps executed.",
		},
	)

	RedrivenEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_redriven_events_total",
			Help: "Total number of pending webhook events re-published by the sweeper.",
		},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_dispatch_queue_depth",
			Help: "Current depth of the listener dispatch queue.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		ChangeEventsTotal,
		WebhookEventsTotal,
		DeliveriesTotal,
		ProcessRetriesTotal,
		RedriveSweepsTotal,
		RedrivenEventsTotal,
		DispatchQueueDepth,
	)
}

// RecordChangeEvent increments the change-notification counter for a channel.
func RecordChangeEvent(channel, outcome string) {
	ChangeEventsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordWebhookEvent increments the inbound webhook counter.
func RecordWebhookEvent(outcome string) {
	WebhookEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery increments the sink delivery counter.
func RecordDelivery(result string) {
	DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordProcessRetry increments the processing retry counter.
func RecordProcessRetry(reason string) {
	ProcessRetriesTotal.WithLabelValues(reason).Inc()
}
