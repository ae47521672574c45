package guardrails

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/adguard/internal/models"
)

// increaseWarnPercent is the budget increase over the previous value that
// draws a warning.
const increaseWarnPercent = 500

// proposedSpend returns the spend a mutation commits to and the field it was
// read from. Updates with a captured previous amount only spend the increase.
func proposedSpend(m *models.Mutation) (amount models.Micros, field string, err error) {
	if cost, ok, err := m.EstimatedCostMicros(); ok {
		if err != nil {
			return 0, "estimatedCost", err
		}
		if cost < 0 {
			return 0, "estimatedCost", fmt.Errorf("estimated cost %s is negative", cost)
		}
		return cost, "estimatedCost", nil
	}
	n, ok, err := m.Changes.Int64(models.FieldAmountMicros)
	if !ok {
		return 0, "", nil
	}
	if err != nil {
		return 0, models.FieldAmountMicros, err
	}
	if n < 0 {
		return 0, models.FieldAmountMicros, fmt.Errorf("%s %d is negative", models.FieldAmountMicros, n)
	}
	if m.Kind == models.KindUpdate {
		if prev, ok, err := m.PreState.Int64(models.FieldAmountMicros); ok && err == nil && prev >= 0 {
			if n <= prev {
				return 0, models.FieldAmountMicros, nil
			}
			return models.Micros(n - prev), models.FieldAmountMicros, nil
		}
	}
	return models.Micros(n), models.FieldAmountMicros, nil
}

// suggested formats headroom in the unit of field.
func suggested(field string, m models.Micros) string {
	if field == "estimatedCost" {
		return m.Decimal().String()
	}
	return m.Raw()
}

// checkBudget runs the per-mutation, ledger and increase checks. It returns
// the proposed spend, or an error when the ledger could not be consulted.
func (v *Validator) checkBudget(ctx context.Context, m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult) (models.Micros, error) {
	if m.Kind == models.KindPause || m.Kind == models.KindRemove {
		return 0, nil
	}

	amount, field, err := proposedSpend(m)
	if err != nil {
		res.AddViolation(models.Violation{
			Type:     models.ViolationInvalidValue,
			Severity: models.SeverityError,
			Message:  err.Error(),
			Field:    field,
		})
		return 0, nil
	}

	if limit := cfg.Budget.PerMutationMicros; limit > 0 && amount > limit {
		res.AddViolation(models.Violation{
			Type:           models.ViolationBudgetLimit,
			Severity:       models.SeverityError,
			Message:        fmt.Sprintf("proposed spend %s exceeds the per-mutation limit %s", amount, limit),
			Field:          field,
			SuggestedValue: suggested(field, limit),
		})
	}

	checkBudgetIncrease(m, res)

	campaignID := m.CampaignID()
	if amount == 0 && campaignID == "" {
		return 0, nil
	}
	if v.ledger == nil {
		res.AddWarning("budget ledger unavailable: spend was not checked")
		return amount, nil
	}

	d, err := v.ledger.CheckSpend(ctx, m.TenantID, campaignID, amount)
	if err != nil {
		return 0, fmt.Errorf("check spend for tenant %s: %w", m.TenantID, err)
	}
	if d.Allowed {
		return amount, nil
	}

	vi := models.Violation{
		Type:           models.ViolationBudgetLimit,
		Severity:       models.SeverityError,
		Field:          field,
		SuggestedValue: suggested(field, d.Remaining),
	}
	switch d.Limit {
	case models.LimitEmergencyStop:
		vi.Type = models.ViolationEmergencyStop
		vi.Severity = models.SeverityCritical
		vi.Message = fmt.Sprintf("campaign %s refuses spend: %s", campaignID, d.Reason)
	case models.LimitAccount:
		vi.Severity = models.SeverityCritical
		vi.Message = fmt.Sprintf("account limit %s would be exceeded: %s spent, %s proposed, %s remaining",
			d.LimitCap, d.Current, amount, d.Remaining)
	default:
		vi.Message = fmt.Sprintf("%s limit %s would be exceeded for campaign %s: %s spent, %s proposed, %s remaining",
			d.Limit, d.LimitCap, campaignID, d.Current, amount, d.Remaining)
	}
	res.AddViolation(vi)
	return amount, nil
}

// checkBudgetIncrease warns when amountMicros rises steeply over the captured
// previous value. It never blocks.
func checkBudgetIncrease(m *models.Mutation, res *models.GuardrailResult) {
	next, ok, err := m.Changes.Int64(models.FieldAmountMicros)
	if !ok || err != nil {
		return
	}
	prev, ok, err := m.PreState.Int64(models.FieldAmountMicros)
	if !ok || err != nil || prev <= 0 || next <= prev {
		return
	}
	pct := decimal.NewFromInt(next - prev).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(prev)).Truncate(0)
	if pct.GreaterThan(decimal.NewFromInt(increaseWarnPercent)) {
		res.AddWarning(fmt.Sprintf("budget increase of %s%% from %s to %s", pct,
			models.Micros(prev), models.Micros(next)))
	}
}
