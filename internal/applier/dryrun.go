package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// Preview summarizes what a batch would do.
type Preview struct {
	CanProceed        bool          `json:"canProceed"`
	AffectedCampaigns int           `json:"affectedCampaigns"`
	AffectedAdGroups  int           `json:"affectedAdGroups"`
	AffectedKeywords  int           `json:"affectedKeywords"`
	AffectedAds       int           `json:"affectedAds"`
	AffectedBudgets   int           `json:"affectedBudgets"`
	TotalBudgetDelta  models.Micros `json:"totalBudgetDeltaMicros"`
	Conflicts         []Conflict    `json:"conflicts"`
	Blocked           []string      `json:"blocked,omitempty"`
}

// dryRun validates every mutation without reserving spend or calling the
// ads platform. Budget checks see the ledger as it is now; spend earlier
// mutations in the batch would add is not counted against later ones.
func (a *Applier) dryRun(ctx context.Context, batch []models.Mutation, opts Options) (*BatchResult, error) {
	res := &BatchResult{
		BatchID: uuid.NewString(),
		DryRun:  true,
		Results: make([]MutationResult, len(batch)),
	}
	ctx, span := observability.GetTracer("applier").Start(ctx, "applier.DryRun")
	span.SetAttributes(
		attribute.String("batch.id", res.BatchID),
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	preview := &Preview{CanProceed: true, Conflicts: DetectConflicts(batch)}
	conflicted := conflictIndex(batch)
	proceeds := make(map[string]bool)
	affected := make(map[models.ResourceType]map[string]bool)
	touch := func(t models.ResourceType, id string) {
		if affected[t] == nil {
			affected[t] = make(map[string]bool)
		}
		affected[t][id] = true
	}

	for _, i := range order(batch) {
		m := batch[i]
		r := &res.Results[i]
		*r = MutationResult{MutationID: m.ID, Mutation: m}

		var gr models.GuardrailResult
		switch key, ok := conflicted[i]; {
		case ok:
			gr = blocked(models.ViolationConflict, fmt.Sprintf("another mutation in the batch targets %s", key))
		case missingDependency(m, proceeds) != "":
			gr = blocked(models.ViolationDependencyFailed,
				fmt.Sprintf("dependency %s would not be applied", missingDependency(m, proceeds)))
		default:
			gr = a.validator.Validate(ctx, m)
		}
		r.Guardrail = &gr

		if !gr.Passed {
			preview.CanProceed = false
			preview.Blocked = append(preview.Blocked, m.ID)
			r.Error = violationSummary(gr)
			if !opts.BypassGuardrails || conflicted[i] != "" || gr.Violations[0].Type == models.ViolationDependencyFailed {
				r.Status = StatusSkipped
				continue
			}
		}
		r.Status = StatusWouldApply
		proceeds[m.ID] = true
		preview.TotalBudgetDelta += gr.EstimatedImpact.CostDelta

		// A create's inverse needs the id the platform assigns.
		switch inv, err := Inverse(m, ""); {
		case err == nil:
			r.Inverse = &inv
		case !errors.Is(err, ErrNoEntityID):
			r.Warnings = append(r.Warnings, fmt.Sprintf("mutation %s cannot be rolled back: %v", m.ID, err))
		}

		if m.EntityID == "" {
			touch(m.ResourceType, "new:"+m.ID)
		}
		for _, e := range m.Entities() {
			touch(e.ResourceType, e.ID)
		}
		if id := m.CampaignID(); id != "" {
			touch(models.ResourceCampaign, id)
		}
	}

	preview.AffectedCampaigns = len(affected[models.ResourceCampaign])
	preview.AffectedAdGroups = len(affected[models.ResourceAdGroup])
	preview.AffectedKeywords = len(affected[models.ResourceKeyword])
	preview.AffectedAds = len(affected[models.ResourceAd])
	preview.AffectedBudgets = len(affected[models.ResourceBudget])
	res.Preview = preview
	for _, r := range res.Results {
		res.Warnings = append(res.Warnings, r.Warnings...)
	}
	res.count()
	span.SetAttributes(attribute.Bool("batch.can_proceed", preview.CanProceed))

	impact := models.EstimatedImpact{CostDelta: preview.TotalBudgetDelta, RiskLevel: models.RiskLow}
	for _, r := range res.Results {
		if r.Guardrail != nil && riskOrder(r.Guardrail.EstimatedImpact.RiskLevel) > riskOrder(impact.RiskLevel) {
			impact.RiskLevel = r.Guardrail.EstimatedImpact.RiskLevel
		}
		if r.Guardrail != nil {
			impact.RiskScore += r.Guardrail.EstimatedImpact.RiskScore
		}
	}
	e := &models.AuditLogEntry{
		Actor:    opts.Actor,
		Action:   models.ActionDryRun,
		EntityID: res.BatchID,
		TenantID: commonTenant(batch),
		Result:   models.ResultSuccess,
		Impact:   &impact,
	}
	if !preview.CanProceed {
		e.Error = fmt.Sprintf("%d of %d mutations blocked", len(preview.Blocked), len(batch))
	}
	if err := a.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		return res, &AuditWriteError{Action: models.ActionDryRun, Err: err}
	}
	return res, nil
}

func riskOrder(l models.RiskLevel) int {
	switch l {
	case models.RiskHigh:
		return 2
	case models.RiskMedium:
		return 1
	default:
		return 0
	}
}
