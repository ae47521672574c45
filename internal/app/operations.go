package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/config"
	"github.com/patrickwarner/adguard/internal/models"
)

// ReloadPolicy re-reads the policy file and swaps it into the validator.
// Validations in flight finish on the policy they started with.
func (a *App) ReloadPolicy(ctx context.Context, actor string) (models.GuardrailConfig, error) {
	policy, err := config.LoadPolicy(a.Config.PolicyFile)
	if err != nil {
		a.auditFailure(ctx, models.ActionPolicyReload, actor, "", "", err)
		return models.GuardrailConfig{}, err
	}
	if err := a.Audit.Append(ctx, &models.AuditLogEntry{
		Actor:  actor,
		Action: models.ActionPolicyReload,
		Result: models.ResultSuccess,
	}); err != nil {
		return models.GuardrailConfig{}, fmt.Errorf("record policy reload: %w", err)
	}
	a.Validator.SetConfig(policy)
	a.Logger.Info("guardrail policy reloaded",
		zap.String("actor", actor),
		zap.String("enforcement", string(policy.Budget.Enforcement)))
	return policy, nil
}

// SetEmergencyStop blocks all spend on a campaign until cleared.
func (a *App) SetEmergencyStop(ctx context.Context, actor, tenantID, campaignID, reason string) error {
	if err := a.Ledger.SetEmergencyStop(ctx, tenantID, campaignID, reason); err != nil {
		a.auditFailure(ctx, models.ActionEmergencyStopSet, actor, tenantID, campaignID, err)
		return err
	}
	return a.Audit.Append(context.WithoutCancel(ctx), &models.AuditLogEntry{
		Actor:        actor,
		Action:       models.ActionEmergencyStopSet,
		ResourceType: models.ResourceCampaign,
		EntityID:     campaignID,
		TenantID:     tenantID,
		Result:       models.ResultSuccess,
		Error:        reason,
	})
}

// ClearEmergencyStop lifts a campaign's emergency stop.
func (a *App) ClearEmergencyStop(ctx context.Context, actor, tenantID, campaignID string) error {
	if err := a.Ledger.ClearEmergencyStop(ctx, tenantID, campaignID); err != nil {
		a.auditFailure(ctx, models.ActionEmergencyStopCleared, actor, tenantID, campaignID, err)
		return err
	}
	return a.Audit.Append(context.WithoutCancel(ctx), &models.AuditLogEntry{
		Actor:        actor,
		Action:       models.ActionEmergencyStopCleared,
		ResourceType: models.ResourceCampaign,
		EntityID:     campaignID,
		TenantID:     tenantID,
		Result:       models.ResultSuccess,
	})
}

// ResetDailyBudgets rolls every tenant over to the current day. Repeated
// calls on the same day reset nothing and write no audit entry.
func (a *App) ResetDailyBudgets(ctx context.Context) (int, error) {
	n, err := a.Ledger.ResetDailyBudgets(ctx)
	if err != nil {
		return n, fmt.Errorf("reset daily budgets: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = a.Audit.Append(context.WithoutCancel(ctx), &models.AuditLogEntry{
		Action: models.ActionLedgerReset,
		Result: models.ResultSuccess,
		Error:  fmt.Sprintf("%d tenants reset", n),
	})
	return n, err
}

// SweepAudit removes audit segments past retention.
func (a *App) SweepAudit(ctx context.Context) ([]string, error) {
	return a.Segments.Sweep(ctx, time.Now())
}

// auditFailure records a failed operator action. A failure to record it is
// only logged; the caller already returns the original error.
func (a *App) auditFailure(ctx context.Context, action models.AuditAction, actor, tenantID, campaignID string, cause error) {
	e := &models.AuditLogEntry{
		Actor:    actor,
		Action:   action,
		TenantID: tenantID,
		EntityID: campaignID,
		Result:   models.ResultFailed,
		Error:    cause.Error(),
	}
	if campaignID != "" {
		e.ResourceType = models.ResourceCampaign
	}
	if err := a.Audit.Append(context.WithoutCancel(ctx), e); err != nil {
		a.Logger.Error("audit write failed", zap.String("action", string(action)), zap.Error(err))
	}
}
