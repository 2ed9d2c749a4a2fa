package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_store_submissions_total",
			Help: "Indicator submissions by outcome (inserted, merged, invalid, unauthorized, busy, failed).",
		},
		[]string{"outcome"},
	)

	searchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cif_store_searches_total",
			Help: "Search queries started.",
		},
	)

	deletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cif_store_deleted_total",
			Help: "Indicators removed by delete or expire.",
		},
	)

	submitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cif_store_submit_duration_seconds",
			Help:    "Time spent in Submit, including lock waits.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
