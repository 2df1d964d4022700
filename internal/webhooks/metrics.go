package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowledger",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	webhookDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowledger",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})

	webhookDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowledger",
		Subsystem: "webhook",
		Name:      "disabled_total",
		Help:      "Subscriptions disabled after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(webhookDeliveriesTotal, webhookDroppedTotal, webhookDisabledTotal)
}
