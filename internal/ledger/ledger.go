// Package ledger tracks spend per tenant and campaign against daily,
// campaign lifetime and account limits.
//
// Every check and reservation lazily rolls a tenant's daily counters over
// when the calendar day (in the ledger's time zone) has changed since the
// last reset, so a tenant that goes quiet for days starts fresh on its next
// request. ResetDailyBudgets applies the same rollover to every known tenant
// and is safe to run any number of times a day.
//
// A campaign with an emergency stop refuses all spend, whatever its headroom.
// A zero limit is unlimited.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickwarner/adguard/internal/models"
)

var (
	ErrTenantRequired   = errors.New("tenant id is required")
	ErrCampaignRequired = errors.New("campaign id is required")
	ErrInvalidAmount    = errors.New("spend amount must not be negative")
	ErrBudgetExceeded   = errors.New("spend exceeds budget")
	ErrTenantNotFound   = errors.New("tenant not found in ledger")
)

// nowFn is used to get the current time. Tests replace it to cross day boundaries.
var nowFn = time.Now

// View is the read side of the ledger consulted while validating.
type View interface {
	CheckSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error)
}

// BudgetLedger is the spend store shared by validation and apply.
type BudgetLedger interface {
	View
	// ReserveSpend checks and, when allowed, records the spend in one
	// atomic step.
	ReserveSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error)
	// RecordSpend is ReserveSpend for callers that only care whether the
	// spend went through, such as operators booking spend made outside a
	// batch. A denied spend returns ErrBudgetExceeded. The applier reserves
	// through ReserveSpend so it can report the decision.
	RecordSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error
	// ReleaseSpend returns previously reserved spend. Counters never go
	// below zero.
	ReleaseSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error
	SetCampaignLimits(ctx context.Context, tenantID, campaignID string, daily, lifetime models.Micros) error
	SetAccountLimit(ctx context.Context, tenantID string, limit models.Micros) error
	SetEmergencyStop(ctx context.Context, tenantID, campaignID, reason string) error
	ClearEmergencyStop(ctx context.Context, tenantID, campaignID string) error
	// ResetDailyBudgets rolls every tenant over to the current day and
	// returns how many tenants were reset.
	ResetDailyBudgets(ctx context.Context) (int, error)
	Snapshot(ctx context.Context, tenantID string) (models.TenantBudget, error)
	Restore(ctx context.Context, snap models.TenantBudget) error
	Tenants(ctx context.Context) ([]string, error)
}

// Defaults are applied to campaigns and accounts without explicit limits.
type Defaults struct {
	DailyLimit    models.Micros
	CampaignLimit models.Micros
	AccountLimit  models.Micros
}

// DefaultsFromPolicy takes default limits from the guardrail policy.
func DefaultsFromPolicy(cfg models.GuardrailConfig) Defaults {
	return Defaults{
		DailyLimit:    cfg.Budget.DailyMicros,
		CampaignLimit: cfg.Budget.CampaignMicros,
		AccountLimit:  cfg.Budget.AccountMicros,
	}
}

// dayKey formats t as the ledger day in loc.
func dayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

func checkArgs(tenantID string, amount models.Micros) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

type limitCheck struct {
	kind    models.LimitKind
	current models.Micros
	limit   models.Micros
}

// decide evaluates a proposed spend. The emergency stop wins over any
// headroom, then limits are checked in the order daily, campaign, account.
// An allowed decision reports the limit with the least headroom left.
func decide(stop *models.EmergencyStop, checks []limitCheck, amount models.Micros) models.SpendDecision {
	if stop != nil {
		return models.SpendDecision{
			Allowed:  false,
			Limit:    models.LimitEmergencyStop,
			Proposed: amount,
			Reason:   "emergency stop active: " + stop.Reason,
		}
	}

	best := models.SpendDecision{Allowed: true, Proposed: amount, Remaining: -1}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		headroom := c.limit - c.current
		if headroom < 0 {
			headroom = 0
		}
		if amount > headroom {
			return models.SpendDecision{
				Allowed:   false,
				Limit:     c.kind,
				LimitCap:  c.limit,
				Current:   c.current,
				Proposed:  c.current.Add(amount),
				Remaining: headroom,
				Reason: fmt.Sprintf("%s limit %s would be exceeded: %s spent, %s proposed",
					c.kind, c.limit, c.current, amount),
			}
		}
		if after := headroom - amount; best.Remaining < 0 || after < best.Remaining {
			best.Limit = c.kind
			best.LimitCap = c.limit
			best.Current = c.current
			best.Proposed = c.current.Add(amount)
			best.Remaining = after
		}
	}
	if best.Remaining < 0 {
		best.Remaining = 0
	}
	return best
}
