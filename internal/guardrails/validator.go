// Package guardrails evaluates proposed mutations against the active
// guardrail policy and the budget ledger.
//
// Every check appends to the result and none stops the others, so one pass
// surfaces all problems with a mutation. Validation always produces a
// decision: internal failures become a single critical system_error
// violation instead of an error return.
package guardrails

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/macros"
	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// HealthProbe checks a landing page.
type HealthProbe interface {
	Check(ctx context.Context, url string) (models.ProbeResult, error)
}

// Validator runs the guardrail checks. It holds no per-request state and is
// safe for concurrent use.
type Validator struct {
	config  atomic.Pointer[models.GuardrailConfig]
	ledger  ledger.View
	probe   HealthProbe
	macros  *macros.Service
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewValidator creates a validator. A nil ledger, probe or macro service
// disables the checks that need it; those checks then add a warning.
func NewValidator(cfg models.GuardrailConfig, view ledger.View, probe HealthProbe, expander *macros.Service, logger *zap.Logger, metrics observability.MetricsRegistry) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	v := &Validator{
		ledger:  view,
		probe:   probe,
		macros:  expander,
		logger:  logger,
		metrics: metrics,
	}
	v.SetConfig(cfg)
	return v
}

// Config returns the active policy.
func (v *Validator) Config() models.GuardrailConfig {
	return *v.config.Load()
}

// SetConfig replaces the policy. Validations already running keep the
// snapshot they started with.
func (v *Validator) SetConfig(cfg models.GuardrailConfig) {
	c := cfg
	c.AllowedDevices = append([]string(nil), cfg.AllowedDevices...)
	c.Keywords.ProhibitedTerms = append([]string(nil), cfg.Keywords.ProhibitedTerms...)
	v.config.Store(&c)
}

// Validate checks m against the active policy.
func (v *Validator) Validate(ctx context.Context, m models.Mutation) models.GuardrailResult {
	return v.ValidateWithConfig(ctx, m, v.Config())
}

// ValidateWithConfig checks m against cfg instead of the active policy.
func (v *Validator) ValidateWithConfig(ctx context.Context, m models.Mutation, cfg models.GuardrailConfig) (res models.GuardrailResult) {
	start := time.Now()
	ctx, span := observability.GetTracer("guardrails").Start(ctx, "guardrails.Validate")
	span.SetAttributes(
		attribute.String("mutation.id", m.ID),
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("mutation.resource_type", string(m.ResourceType)),
		attribute.String("tenant.id", m.TenantID),
	)
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("guardrail validation panicked",
				zap.String("mutation_id", m.ID),
				zap.Any("panic", r))
			res = models.SystemErrorResult(fmt.Errorf("internal error: %v", r))
		}
		v.record(res, start)
		span.SetAttributes(
			attribute.Bool("guardrails.passed", res.Passed),
			attribute.Int("guardrails.violations", len(res.Violations)),
		)
		if !res.Passed {
			span.SetStatus(codes.Error, "mutation blocked")
		}
		span.End()
	}()

	res = models.NewGuardrailResult()
	if err := m.Validate(); err != nil {
		res.AddViolation(models.Violation{
			Type:     models.ViolationInvalidMutation,
			Severity: models.SeverityCritical,
			Message:  err.Error(),
		})
		finalize(&m, cfg, &res, 0)
		return res
	}

	spend, err := v.checkBudget(ctx, &m, cfg, &res)
	if err != nil {
		v.logger.Error("budget check failed",
			zap.String("mutation_id", m.ID),
			zap.String("tenant_id", m.TenantID),
			zap.Error(err))
		span.RecordError(err)
		return models.SystemErrorResult(err)
	}
	v.checkLandingPage(ctx, &m, cfg, &res)
	checkDevices(&m, cfg, &res)
	checkBids(&m, cfg, &res)
	checkKeywords(&m, cfg, &res)

	finalize(&m, cfg, &res, spend)
	return res
}

func (v *Validator) record(res models.GuardrailResult, start time.Time) {
	outcome := "passed"
	switch {
	case len(res.Violations) == 1 && res.Violations[0].Type == models.ViolationSystemError:
		outcome = "system_error"
	case !res.Passed:
		outcome = "failed"
	}
	v.metrics.IncrementValidations(outcome)
	v.metrics.RecordValidationLatency(time.Since(start))
	for _, vi := range res.Violations {
		v.metrics.IncrementViolations(string(vi.Type), string(vi.Severity))
	}
}

// finalize computes the risk estimate, applies the enforcement level and
// sets the pass flag.
func finalize(m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult, spend models.Micros) {
	score := riskScore(m, res.Violations, spend)
	res.EstimatedImpact = models.EstimatedImpact{
		CostDelta: spend,
		RiskScore: score,
		RiskLevel: riskLevel(score),
	}
	if cfg.Budget.Enforcement == models.EnforcementSoft {
		for _, vi := range res.Violations {
			if vi.Severity == models.SeverityError {
				res.AddWarning("not enforced: " + vi.Message)
			}
		}
	}
	res.Passed = models.Decide(cfg.Budget.Enforcement, res.Violations)
}
