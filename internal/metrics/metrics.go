package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "immune_gate"

var (
	// AdmissionDecisions counts terminal admission states per request.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Terminal admission decisions by action and reason.",
	}, []string{"action", "reason"})

	// ThreatScore records classifier scores for classified requests.
	ThreatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "threat_score",
		Help:      "Threat classifier score distribution.",
		Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.7, 0.85, 1.0},
	})

	// ThreatFactors counts matched classifier signatures.
	ThreatFactors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threat_factors_total",
		Help:      "Matched threat signatures by name.",
	}, []string{"factor"})

	// ChallengesIssued counts proof-of-work challenges handed out.
	ChallengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_issued_total",
		Help:      "Proof-of-work challenges issued by difficulty.",
	}, []string{"difficulty"})

	// ChallengeVerifications counts verify calls by outcome.
	ChallengeVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenge_verifications_total",
		Help:      "Challenge verification attempts by result.",
	}, []string{"result"})

	// Bypasses counts bypass requests by declared reason and outcome.
	Bypasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bypasses_total",
		Help:      "Bypass requests by reason and outcome.",
	}, []string{"reason", "outcome"})

	// BansIssued counts bans written to the store.
	BansIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_issued_total",
		Help:      "Bans written by reason.",
	}, []string{"reason"})

	// Unbans counts manual and feed-driven unbans.
	Unbans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbans_total",
		Help:      "Bans lifted by source.",
	}, []string{"source"})

	// ActiveBans is the size of the active ban index at the last janitor tick.
	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Currently active bans in the store.",
	})

	// StoreOps counts Atomic Store operations.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_ops_total",
		Help:      "Atomic store operations by backend, op and status.",
	}, []string{"backend", "op", "status"})

	// StoreDuration records Atomic Store latency.
	StoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_duration_seconds",
		Help:      "Atomic store operation latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1, 0.5},
	}, []string{"backend", "op"})

	// AuditCorruptEntries counts audit entries skipped at the read boundary.
	AuditCorruptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_corrupt_entries_total",
		Help:      "Audit entries skipped because they failed schema validation.",
	}, []string{"list"})

	// AdminRequests counts admin API calls by route and status code class.
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_requests_total",
		Help:      "Admin API requests by route and status.",
	}, []string{"route", "status"})

	// DBSizeBytes tracks the bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// DecisionsProcessed counts CrowdSec decisions that passed the filter pipeline.
	DecisionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_processed_total",
		Help:      "CrowdSec decisions that passed the full filter pipeline.",
	}, []string{"action", "source"})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without touching the store.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without a store write.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
