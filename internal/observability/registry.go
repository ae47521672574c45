package observability

import (
	"strconv"
	"time"
)

// MetricsRegistry provides an interface for recording application metrics
// so components can be tested without the global Prometheus registry.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Validation metrics
	IncrementValidations(outcome string)
	RecordValidationLatency(duration time.Duration)
	IncrementViolations(violationType, severity string)

	// Apply metrics
	IncrementMutations(status string)
	IncrementRollbacks(trigger, outcome string)
	RecordApplyLatency(duration time.Duration)

	// Ledger metrics
	IncrementLedgerDecisions(limit string, allowed bool)
	SetSpendTotal(tenant, campaign string, amount float64)
	IncrementEmergencyStops(action string)
	IncrementSnapshotPersistErrors()

	// Audit metrics
	IncrementAuditWrites(outcome string)
	IncrementAuditMirrorErrors()

	// Probe metrics
	IncrementProbeRequests(outcome string)
	RecordProbeLatency(duration time.Duration)

	// Rate limiting metrics
	IncrementRateLimitRequests(tenantID string)
	IncrementRateLimitHits(tenantID string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics.
type PrometheusRegistry struct{}

func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementValidations(outcome string) {
	ValidationCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordValidationLatency(duration time.Duration) {
	ValidationLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementViolations(violationType, severity string) {
	ViolationCount.WithLabelValues(violationType, severity).Inc()
}

func (r *PrometheusRegistry) IncrementMutations(status string) {
	MutationCount.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementRollbacks(trigger, outcome string) {
	RollbackCount.WithLabelValues(trigger, outcome).Inc()
}

func (r *PrometheusRegistry) RecordApplyLatency(duration time.Duration) {
	ApplyLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementLedgerDecisions(limit string, allowed bool) {
	if limit == "" {
		limit = "none"
	}
	LedgerDecisions.WithLabelValues(limit, strconv.FormatBool(allowed)).Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(tenant, campaign string, amount float64) {
	SpendTotal.WithLabelValues(tenant, campaign).Set(amount)
}

func (r *PrometheusRegistry) IncrementEmergencyStops(action string) {
	EmergencyStops.WithLabelValues(action).Inc()
}

func (r *PrometheusRegistry) IncrementSnapshotPersistErrors() {
	SnapshotPersistErrors.Inc()
}

func (r *PrometheusRegistry) IncrementAuditWrites(outcome string) {
	AuditWrites.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementAuditMirrorErrors() {
	AuditMirrorErrors.Inc()
}

func (r *PrometheusRegistry) IncrementProbeRequests(outcome string) {
	ProbeRequests.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordProbeLatency(duration time.Duration) {
	ProbeLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(tenantID string) {
	RateLimitRequests.WithLabelValues(tenantID).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(tenantID string) {
	RateLimitHits.WithLabelValues(tenantID).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (r *NoOpRegistry) IncrementValidations(outcome string)                {}
func (r *NoOpRegistry) RecordValidationLatency(duration time.Duration)     {}
func (r *NoOpRegistry) IncrementViolations(violationType, severity string) {}

func (r *NoOpRegistry) IncrementMutations(status string)           {}
func (r *NoOpRegistry) IncrementRollbacks(trigger, outcome string) {}
func (r *NoOpRegistry) RecordApplyLatency(duration time.Duration)  {}

func (r *NoOpRegistry) IncrementLedgerDecisions(limit string, allowed bool)   {}
func (r *NoOpRegistry) SetSpendTotal(tenant, campaign string, amount float64) {}
func (r *NoOpRegistry) IncrementEmergencyStops(action string)                 {}
func (r *NoOpRegistry) IncrementSnapshotPersistErrors()                       {}

func (r *NoOpRegistry) IncrementAuditWrites(outcome string) {}
func (r *NoOpRegistry) IncrementAuditMirrorErrors()         {}

func (r *NoOpRegistry) IncrementProbeRequests(outcome string)     {}
func (r *NoOpRegistry) RecordProbeLatency(duration time.Duration) {}

func (r *NoOpRegistry) IncrementRateLimitRequests(tenantID string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(tenantID string)     {}
