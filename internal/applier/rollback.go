package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

var (
	// ErrNoPreState means an Update cannot be inverted because the values it
	// overwrote were not captured.
	ErrNoPreState = errors.New("pre-mutation values were not captured")
	// ErrNoEntityID means an applied Create reported no resource to remove.
	ErrNoEntityID = errors.New("created entity has no id")
)

// nowFn is used to get the current time. Tests replace it.
var nowFn = time.Now

// Inverse builds the mutation that undoes m. Create and Remove swap, Pause
// and Enable swap, and an Update writes back the captured pre-state of every
// field it changed. resourceRef names the entity a Create produced.
//
// Inverting an inverse yields a mutation equivalent to the original.
func Inverse(m models.Mutation, resourceRef string) (models.Mutation, error) {
	inv := models.Mutation{
		ID:           uuid.NewString(),
		ResourceType: m.ResourceType,
		EntityID:     m.EntityID,
		TenantID:     m.TenantID,
		Priority:     m.Priority,
		Changes:      m.PreState.Clone(),
		PreState:     m.Changes.Clone(),
	}
	if m.AffectedEntities != nil {
		inv.AffectedEntities = append([]models.EntityRef(nil), m.AffectedEntities...)
	}

	switch m.Kind {
	case models.KindCreate:
		inv.Kind = models.KindRemove
		if inv.EntityID == "" {
			inv.EntityID = entityIDFromRef(resourceRef)
		}
		if inv.EntityID == "" {
			return models.Mutation{}, ErrNoEntityID
		}
	case models.KindRemove:
		inv.Kind = models.KindCreate
	case models.KindPause:
		inv.Kind = models.KindEnable
	case models.KindEnable:
		inv.Kind = models.KindPause
	case models.KindUpdate:
		inv.Kind = models.KindUpdate
		inv.Changes = models.Changes{}
		var missing []string
		for _, k := range m.Changes.Keys() {
			v, ok := m.PreState.Get(k)
			if !ok {
				missing = append(missing, k)
				continue
			}
			inv.Changes.Set(k, v)
		}
		if len(missing) > 0 {
			return models.Mutation{}, fmt.Errorf("%w: %s", ErrNoPreState, strings.Join(missing, ", "))
		}
	default:
		return models.Mutation{}, fmt.Errorf("%w: %q", models.ErrInvalidKind, m.Kind)
	}
	return inv, nil
}

// entityIDFromRef takes the id from a resource name such as
// customers/1/campaigns/42.
func entityIDFromRef(ref string) string {
	ref = strings.TrimRight(strings.TrimSpace(ref), "/")
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// RollbackResult reports a replay of inverse mutations. Results are in
// replay order.
type RollbackResult struct {
	Results  []MutationResult `json:"results"`
	Reverted int              `json:"reverted"`
	Failed   int              `json:"failed"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`

	auditErr error
}

// replay applies inverses last to first. It keeps going past failures so
// as much as possible is undone. When results is set, the originating
// mutations of reverted inverses are marked rolled back.
func (a *Applier) replay(ctx context.Context, inverses []pendingInverse, actor, trigger string, results []MutationResult) RollbackResult {
	var rr RollbackResult
	ctx = context.WithoutCancel(ctx)
	for k := len(inverses) - 1; k >= 0; k-- {
		p := inverses[k]
		inv := p.inverse
		r := MutationResult{MutationID: inv.ID, Mutation: inv}

		outcome, err := a.client.Apply(ctx, inv)
		result := models.ResultSuccess
		if err != nil {
			r.Status = StatusFailed
			r.Error = err.Error()
			rr.Failed++
			rr.Errors = append(rr.Errors, fmt.Sprintf("%s: %v", inv, err))
			result = models.ResultFailed
			a.logger.Error("rollback mutation failed",
				zap.String("mutation_id", inv.ID),
				zap.String("trigger", trigger),
				zap.Error(err))
		} else {
			r.Status = StatusApplied
			r.Outcome = &outcome
			rr.Reverted++
			if p.reserved > 0 && a.ledger != nil {
				if err := a.ledger.ReleaseSpend(ctx, inv.TenantID, p.campaignID, p.reserved); err != nil {
					rr.Warnings = append(rr.Warnings, fmt.Sprintf("spend for %s not released: %v", inv, err))
				}
			}
			if results != nil && p.origin >= 0 && p.origin < len(results) {
				results[p.origin].Status = StatusRolledBack
			}
		}

		e := mutationEntry(models.ActionRollback, actor, inv, result, r.Error, nil)
		if err := a.audit.Append(ctx, e); err != nil {
			werr := &AuditWriteError{Action: models.ActionRollback, Err: err}
			if rr.auditErr == nil {
				rr.auditErr = werr
			}
			if r.Status == StatusApplied {
				r.Status = StatusFailed
				r.Error = werr.Error()
				rr.Reverted--
				rr.Failed++
			}
		}
		rr.Results = append(rr.Results, r)
	}

	outcome := "success"
	if rr.Failed > 0 {
		outcome = "partial"
	}
	a.metrics.IncrementRollbacks(trigger, outcome)
	return rr
}

// Rollback undoes mutations that were applied earlier, last one first.
// Mutations that cannot be inverted are reported as warnings.
func (a *Applier) Rollback(ctx context.Context, mutations []models.Mutation, actor string) (RollbackResult, error) {
	if len(mutations) == 0 {
		return RollbackResult{}, ErrEmptyBatch
	}
	var warnings []string
	inverses := make([]pendingInverse, 0, len(mutations))
	for _, m := range mutations {
		inv, err := Inverse(m, "")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("mutation %s cannot be rolled back: %v", m.ID, err))
			continue
		}
		inverses = append(inverses, pendingInverse{inverse: inv, origin: -1, campaignID: m.CampaignID()})
	}
	rr := a.replay(ctx, inverses, actor, "manual", nil)
	rr.Warnings = append(warnings, rr.Warnings...)
	return rr, rr.auditErr
}

// CreateSavePoint records inverses as a new save point on top of the stack.
// The inverses are replayed last to first on recovery.
func (a *Applier) CreateSavePoint(ctx context.Context, actor string, inverses []models.Mutation) (models.SavePoint, error) {
	return a.pushSavePoint(ctx, "", actor, inverses)
}

func (a *Applier) pushSavePoint(ctx context.Context, batchID, actor string, inverses []models.Mutation) (models.SavePoint, error) {
	if len(inverses) == 0 {
		return models.SavePoint{}, ErrNothingToSave
	}
	sp := models.SavePoint{
		ID:               uuid.NewString(),
		Timestamp:        nowFn().UTC(),
		BatchID:          batchID,
		Actor:            actor,
		InverseMutations: make([]models.Mutation, len(inverses)),
	}
	for i, m := range inverses {
		sp.InverseMutations[i] = m.Clone()
	}

	e := &models.AuditLogEntry{
		Actor:    actor,
		Action:   models.ActionSavePointCreated,
		EntityID: sp.ID,
		TenantID: commonTenant(inverses),
		Result:   models.ResultSuccess,
	}
	if err := a.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		return models.SavePoint{}, &AuditWriteError{Action: models.ActionSavePointCreated, Err: err}
	}

	a.mu.Lock()
	a.savePoints = append(a.savePoints, sp)
	a.mu.Unlock()
	a.logger.Info("save point created",
		zap.String("save_point_id", sp.ID),
		zap.String("batch_id", batchID),
		zap.Int("inverses", len(inverses)))
	return sp, nil
}

// SavePoints returns the stack, oldest first.
func (a *Applier) SavePoints() []models.SavePoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.SavePoint, len(a.savePoints))
	copy(out, a.savePoints)
	return out
}

// RecoverFromSavePoint replays the inverses of save point id and discards
// it together with every save point created after it.
func (a *Applier) RecoverFromSavePoint(ctx context.Context, id, actor string) (RollbackResult, error) {
	a.mu.Lock()
	idx := -1
	for i, sp := range a.savePoints {
		if sp.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		a.mu.Unlock()
		return RollbackResult{}, fmt.Errorf("%w: %s", ErrSavePointNotFound, id)
	}
	sp := a.savePoints[idx]
	discarded := len(a.savePoints) - idx
	a.savePoints = a.savePoints[:idx:idx]
	a.mu.Unlock()

	inverses := make([]pendingInverse, len(sp.InverseMutations))
	for i, m := range sp.InverseMutations {
		inverses[i] = pendingInverse{inverse: m, origin: -1, campaignID: m.CampaignID()}
	}
	rr := a.replay(ctx, inverses, actor, "savepoint", nil)

	result := models.ResultSuccess
	errMsg := ""
	if rr.Failed > 0 {
		result = models.ResultFailed
		errMsg = strings.Join(rr.Errors, "; ")
	}
	e := &models.AuditLogEntry{
		Actor:    actor,
		Action:   models.ActionSavePointRecovered,
		EntityID: sp.ID,
		TenantID: commonTenant(sp.InverseMutations),
		Result:   result,
		Error:    errMsg,
	}
	if err := a.audit.Append(context.WithoutCancel(ctx), e); err != nil && rr.auditErr == nil {
		rr.auditErr = &AuditWriteError{Action: models.ActionSavePointRecovered, Err: err}
	}
	a.logger.Info("recovered from save point",
		zap.String("save_point_id", sp.ID),
		zap.Int("reverted", rr.Reverted),
		zap.Int("failed", rr.Failed),
		zap.Int("discarded", discarded))
	return rr, rr.auditErr
}

// commonTenant returns the tenant shared by every mutation, or "".
func commonTenant(ms []models.Mutation) string {
	tenant := ""
	for i, m := range ms {
		if i == 0 {
			tenant = m.TenantID
		} else if m.TenantID != tenant {
			return ""
		}
	}
	return tenant
}
