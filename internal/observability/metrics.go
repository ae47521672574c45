package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adguard_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// validations by outcome: passed, failed, system_error
	ValidationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_validations_total",
			Help: "Total mutation validations",
		},
		[]string{"outcome"},
	)

	ValidationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adguard_validation_duration_seconds",
			Help:    "Duration of a single mutation validation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ViolationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_violations_total",
			Help: "Guardrail violations by type and severity",
		},
		[]string{"type", "severity"},
	)

	// mutation outcomes in apply: applied, failed, skipped, not_attempted
	MutationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_mutations_total",
			Help: "Mutation outcomes during apply",
		},
		[]string{"status"},
	)

	RollbackCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_rollbacks_total",
			Help: "Rollback mutations replayed, by trigger",
		},
		[]string{"trigger", "outcome"},
	)

	ApplyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adguard_apply_batch_duration_seconds",
			Help:    "Duration of batch applies",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	LedgerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_ledger_decisions_total",
			Help: "Budget ledger decisions by binding limit",
		},
		[]string{"limit", "allowed"},
	)

	// spend tracked per tenant/campaign in currency units
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adguard_spend_total",
			Help: "Total spend recorded in the ledger",
		},
		[]string{"tenant", "campaign"},
	)

	EmergencyStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_emergency_stops_total",
			Help: "Emergency stop changes",
		},
		[]string{"action"},
	)

	// number of errors persisting ledger snapshots
	SnapshotPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adguard_snapshot_persist_errors_total",
			Help: "Total ledger snapshot persistence errors",
		},
	)

	AuditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_audit_writes_total",
			Help: "Audit log appends by outcome",
		},
		[]string{"outcome"},
	)

	AuditMirrorErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adguard_audit_mirror_errors_total",
			Help: "Audit entries that could not be mirrored",
		},
	)

	// landing page probe requests labelled by outcome
	ProbeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_probe_requests_total",
			Help: "Landing page probe requests",
		},
		[]string{"outcome"},
	)

	ProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adguard_probe_duration_seconds",
			Help:    "Duration of landing page probes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// rate limit hits per tenant
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_ratelimit_hits_total",
			Help: "Total rate limit hits per tenant",
		},
		[]string{"tenant"},
	)

	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adguard_ratelimit_requests_total",
			Help: "Total rate limit requests per tenant",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ValidationCount,
		ValidationLatency,
		ViolationCount,
		MutationCount,
		RollbackCount,
		ApplyLatency,
		LedgerDecisions,
		SpendTotal,
		EmergencyStops,
		SnapshotPersistErrors,
		AuditWrites,
		AuditMirrorErrors,
		ProbeRequests,
		ProbeLatency,
		RateLimitHits,
		RateLimitRequests,
	)
}
