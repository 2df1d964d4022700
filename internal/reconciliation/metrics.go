package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	custodySolvent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowledger",
		Subsystem: "reconciliation",
		Name:      "custody_solvent",
		Help:      "1 when the custody balance covered all active orders at the last check, 0 otherwise.",
	})

	activeOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowledger",
		Subsystem: "reconciliation",
		Name:      "active_orders",
		Help:      "Orders holding funds in custody at the last check.",
	})

	oldestActiveAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowledger",
		Subsystem: "reconciliation",
		Name:      "oldest_active_order_age_seconds",
		Help:      "Age of the oldest active order at the last check.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		custodySolvent,
		activeOrders,
		oldestActiveAge,
		reconcileDuration,
		reconcileErrors,
	)
}
