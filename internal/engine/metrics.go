package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	compileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "compile_total",
			Help:      "Engine compilations by result",
		},
		[]string{"result"},
	)

	loadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "load_total",
			Help:      "Engine loads by result",
		},
		[]string{"result"},
	)

	inferTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "infer_total",
			Help:      "Inference calls by result",
		},
		[]string{"result"},
	)

	inferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "infer_duration_seconds",
			Help:      "Wall time of successful inference calls, including transfers",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	deviceAllocs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "device",
			Name:      "allocations_total",
			Help:      "Device buffers allocated by inference calls",
		},
	)

	deviceFrees = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "device",
			Name:      "frees_total",
			Help:      "Device buffers freed by inference calls",
		},
	)

	liveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "live_handles",
			Help:      "Loaded engine handles not yet released",
		},
	)
)

func init() {
	prometheus.MustRegister(compileTotal, loadTotal, inferTotal, inferDuration, deviceAllocs, deviceFrees, liveHandles)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).Label()
}
