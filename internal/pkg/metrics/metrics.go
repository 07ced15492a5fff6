package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_decisions_total",
		Help: "Pipeline outcomes by terminating stage and error kind",
	}, []string{"stage", "kind"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shieldgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shieldgate_stage_latency_seconds",
		Help:    "Latency of individual pipeline stages",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .2, .5},
	}, []string{"stage"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_rate_limited_total",
		Help: "Requests throttled by route class",
	}, []string{"class"})

	ThreatDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_threat_detections_total",
		Help: "Threat scanner matches by severity",
	}, []string{"severity"})

	ThreatScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_threat_scans_total",
		Help: "Threat scans by path taken (cache, fast, slow, bypass)",
	}, []string{"path"})

	CSRFFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_csrf_failures_total",
		Help: "CSRF validation failures by reason",
	}, []string{"reason"})

	SessionMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldgate_session_fingerprint_mismatches_total",
		Help: "Session fingerprint drift detections",
	})

	SessionInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldgate_session_invalidations_total",
		Help: "Sessions invalidated after repeated fingerprint drift",
	})

	Degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_degraded_total",
		Help: "Fail-open decisions taken because a dependency was unavailable",
	}, []string{"stage"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldgate_events_dropped_total",
		Help: "Security events dropped because the sink buffer was full",
	})

	EventWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldgate_event_write_failures_total",
		Help: "Security event writer failures by writer",
	}, []string{"writer"})
)
