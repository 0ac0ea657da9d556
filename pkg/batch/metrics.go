package batch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pair results recorded in ctradiomics_pairs_total.
const (
	resultExtracted = "extracted"
	resultSkipped   = "skipped"
)

// metrics holds the counters of one runner.
type metrics struct {
	pairs    *prometheus.CounterVec
	series   prometheus.Counter
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		pairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctradiomics_pairs_total",
			Help: "Number of (CT, ROI) pairs processed, by result.",
		}, []string{"result"}),
		series: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctradiomics_series_total",
			Help: "Number of CT series processed to completion.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctradiomics_extraction_duration_seconds",
			Help:    "Time spent extracting features for one pair.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// writeMetrics exports everything in g to a node-exporter textfile.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
