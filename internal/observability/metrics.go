package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "scans_total",
		Help:      "Total number of scan attempts by outcome",
	}, []string{"session_id", "outcome"})

	ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "extraction_duration_seconds",
		Help:      "Duration of face embedding extraction",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "match_duration_seconds",
		Help:      "Duration of candidate matching",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	StagedPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor",
		Name:      "staged_pending",
		Help:      "Number of staged records awaiting remote commit",
	})

	StagedFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor",
		Name:      "staged_failed",
		Help:      "Number of staged records that exhausted retries",
	})

	FlushAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "flush_attempts_total",
		Help:      "Remote commit attempts during staging flush",
	}, []string{"result"})

	AttemptsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "attempts_recorded_total",
		Help:      "Verification attempts persisted by the API",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
