package ffmpeg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ffcompress_encode_total",
		Help: "Total number of encodes by outcome",
	}, []string{"outcome", "mode"})

	encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ffcompress_encode_duration_seconds",
		Help:    "Wall time of finished encodes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"preview"})

	encodeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ffcompress_encode_active",
		Help: "Number of ffmpeg processes currently running",
	})
)
