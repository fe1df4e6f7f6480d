package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NWISAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_nwis_api_calls_total",
			Help: "Total USGS NWIS statistics service calls",
		},
		[]string{"site", "status"},
	)

	NWISAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamtemp_nwis_api_latency_seconds",
			Help:    "NWIS call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_rows_dropped_total",
			Help: "Rows dropped by pipeline stage (sanitize, predict)",
		},
		[]string{"stage"},
	)

	StrataFitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamtemp_strata_fitted_total",
			Help: "Per-month models successfully fitted",
		},
	)

	StrataSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_strata_skipped_total",
			Help: "Per-month strata skipped during fitting",
		},
		[]string{"reason"},
	)

	FitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamtemp_bank_fit_duration_seconds",
			Help:    "Wall time for a full model bank fit",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	PredictionRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamtemp_prediction_rows_total",
			Help: "Prediction rows emitted",
		},
	)

	ValidationRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_validation_rounds_total",
			Help: "Completed validation resampling rounds",
		},
		[]string{"strategy"},
	)
)
