package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	processRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Automatic restarts of native engine processes",
		},
		[]string{"provider"},
	)

	processUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Subsystem: "process",
			Name:      "up",
			Help:      "1 when the engine process is ready, 0 otherwise",
		},
		[]string{"provider"},
	)

	healthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "process",
			Name:      "health_failures_total",
			Help:      "Failed health probes against engine processes",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(processRestartsTotal, processUp, healthFailuresTotal)
}
