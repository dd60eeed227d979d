package router

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Name:      "dispatch_total",
			Help:      "Dispatched requests by operation and outcome kind (ok on success)",
		},
		[]string{"op", "kind"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engined",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch to completion; infer includes the whole stream",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"op"},
	)

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engined",
		Name:      "streams_active",
		Help:      "Inference streams currently being forwarded",
	})
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDuration, streamsActive)
}
