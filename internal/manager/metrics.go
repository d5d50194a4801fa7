package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvisor_model_transitions_total",
			Help: "Model lifecycle transitions by source and target phase.",
		},
		[]string{"from", "to"},
	)
	startsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvisor_model_starts_total",
			Help: "Completed start sequences by result (ok, failed, superseded).",
		},
		[]string{"result"},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelvisor_model_start_duration_seconds",
			Help:    "Time from start request to running, including download.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		},
	)
	crashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelvisor_model_crashes_total",
			Help: "Backends that exited while running.",
		},
	)
	modelUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelvisor_model_up",
			Help: "1 when the model is running, else 0.",
		},
		[]string{"model"},
	)
	modelMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "model_memory_bytes",
			Help: "Resident memory of the model's backing process.",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, startsTotal, startDuration, crashesTotal, modelUp, modelMemory)
}
