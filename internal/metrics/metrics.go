package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_provider_calls_total",
			Help: "Total upstream provider calls",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aircast_provider_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_records_ingested_total",
			Help: "Total records newly inserted into the store",
		},
		[]string{"table", "city"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_records_dropped_total",
			Help: "Total provider records dropped during normalization",
		},
		[]string{"table"},
	)

	PairOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_pair_outcomes_total",
			Help: "Training outcomes per entity/variable pair",
		},
		[]string{"outcome"},
	)

	FitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aircast_model_fit_seconds",
			Help:    "ARIMA fit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	ArtifactUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_artifact_uploads_total",
			Help: "Remote artifact uploads",
		},
		[]string{"scheme", "status"},
	)

	FacadeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircast_facade_requests_total",
			Help: "HTTP facade responses by route and source",
		},
		[]string{"route", "source"},
	)
)
