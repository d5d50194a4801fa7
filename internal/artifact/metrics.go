package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelvisor",
		Subsystem: "artifact",
		Name:      "cache_hits_total",
		Help:      "Resolve calls served from an already published artifact",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelvisor",
		Subsystem: "artifact",
		Name:      "cache_misses_total",
		Help:      "Resolve calls that started a new download",
	})

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelvisor",
			Subsystem: "artifact",
			Name:      "downloads_total",
			Help:      "Completed downloads by source scheme and result",
		},
		[]string{"scheme", "result"},
	)

	downloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelvisor",
			Subsystem: "artifact",
			Name:      "download_duration_seconds",
			Help:      "Duration of artifact downloads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		},
		[]string{"scheme"},
	)
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, downloadsTotal, downloadDuration)
}
