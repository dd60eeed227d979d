package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "telemetry",
			Name:      "delivery_failures_total",
			Help:      "Crash report envelopes a sink failed to accept",
		},
		[]string{"sink"},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "telemetry",
			Name:      "reports_total",
			Help:      "Crash reports by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(deliveryFailuresTotal, reportsTotal)
}
