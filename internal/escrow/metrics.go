package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts service operations by type and outcome.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowledger",
			Name:      "escrow_operations_total",
			Help:      "Total escrow operations by type and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowledger",
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"op"},
	)

	// RollbacksTotal counts operations undone after a transfer failure.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowledger",
			Name:      "escrow_rollbacks_total",
			Help:      "Operations rolled back after a failed transfer.",
		},
		[]string{"op"},
	)

	// ManualResolutionTotal counts failures whose compensation also failed.
	ManualResolutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowledger",
			Name:      "escrow_manual_resolution_total",
			Help:      "Failed operations whose compensation also failed and need an operator.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		RollbacksTotal,
		ManualResolutionTotal,
	)
}

// observeOp returns a function that records the outcome and duration of an operation.
func observeOp(op string) func(err *error) {
	start := time.Now()
	return func(err *error) {
		outcome := "ok"
		if err != nil && *err != nil {
			outcome = "error"
		}
		OpsTotal.WithLabelValues(op, outcome).Inc()
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
