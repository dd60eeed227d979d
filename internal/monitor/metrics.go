package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	modelVRAMBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Name:      "model_vram_bytes",
			Help:      "Accelerator memory of the process serving a model",
		},
		[]string{"provider", "model"},
	)

	modelRAMBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Name:      "model_ram_bytes",
			Help:      "Resident memory of the process serving a model",
		},
		[]string{"provider", "model"},
	)

	sampleGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "monitor",
			Name:      "sample_gaps_total",
			Help:      "Resource samples that could not be taken",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(modelVRAMBytes, modelRAMBytes, sampleGapsTotal)
}
