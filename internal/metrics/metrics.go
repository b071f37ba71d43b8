// Package metrics exposes prometheus collectors for the processing
// pipeline. Registration happens once at construction; the HTTP server
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	ImagesProcessed prometheus.Counter
	ImagesFailed    prometheus.Counter
	CaptionLatency  prometheus.Histogram
	SearchLatency   prometheus.Histogram
	FoldersIngested prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ImagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveseer_images_processed_total",
			Help: "Images that reached completed status.",
		}),
		ImagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveseer_images_failed_total",
			Help: "Images that reached failed status.",
		}),
		CaptionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driveseer_caption_seconds",
			Help:    "Wall time of limiter wait, download, caption and embed per image.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driveseer_search_seconds",
			Help:    "Wall time of search queries.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		FoldersIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveseer_folders_ingested_total",
			Help: "Folders accepted by the ingest coordinator.",
		}),
	}

	reg.MustRegister(
		m.ImagesProcessed, m.ImagesFailed, m.CaptionLatency,
		m.SearchLatency, m.FoldersIngested,
	)
	return m
}

// NewNop returns metrics registered on a throwaway registry; used by tests
// and CLI paths that do not serve /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
