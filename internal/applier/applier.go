// Package applier runs batches of mutations through the guardrails and
// applies the ones that pass.
//
// A batch is processed sequentially. Conflicting mutations are rejected up
// front, the rest are ordered by priority (ties keep submission order) with
// each mutation placed after the dependencies it names. Every outcome is
// written to the audit log, and every applied mutation leaves an inverse
// behind so the batch can be rolled back, either immediately when auto
// rollback is on and something fails, or later from its save point.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// Validator decides whether a mutation may be applied.
type Validator interface {
	Validate(ctx context.Context, m models.Mutation) models.GuardrailResult
}

// AdsClient performs a mutation against the ads platform.
type AdsClient interface {
	Apply(ctx context.Context, m models.Mutation) (models.ApplyOutcome, error)
}

// AuditSink records outcomes. Append must only return nil once the entry
// is durable.
type AuditSink interface {
	Append(ctx context.Context, e *models.AuditLogEntry) error
}

// Reserver holds spend against the budget ledger for the duration of an
// apply.
type Reserver interface {
	ReserveSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error)
	ReleaseSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error
}

// Limiter throttles calls to the ads platform per tenant.
type Limiter interface {
	Wait(ctx context.Context, tenantID string) error
}

var (
	ErrEmptyBatch         = errors.New("batch has no mutations")
	ErrSavePointNotFound  = errors.New("save point not found")
	ErrNothingToSave      = errors.New("save point needs at least one inverse mutation")
	ErrMissingAuditSink   = errors.New("applier requires an audit sink")
	ErrMissingValidator   = errors.New("applier requires a validator")
	ErrMissingAdsClient   = errors.New("applier requires an ads client")
	errBatchDeadline      = errors.New("batch deadline exceeded before the mutation started")
)

// AuditWriteError means an outcome could not be recorded. The operation it
// belongs to is never reported as successful.
type AuditWriteError struct {
	Action models.AuditAction
	Err    error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write for %s failed: %v", e.Action, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// Status is the outcome of one mutation in a batch.
type Status string

const (
	StatusApplied      Status = "applied"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
	StatusNotAttempted Status = "not_attempted"
	StatusRolledBack   Status = "rolled_back"
	// StatusWouldApply is reported by dry runs for mutations that pass.
	StatusWouldApply Status = "would_apply"
)

// Options control one batch.
type Options struct {
	DryRun bool `json:"dryRun"`
	// BypassGuardrails applies mutations the validator rejected. Each bypass
	// is audited as a security event. Ledger reservations still apply.
	BypassGuardrails bool          `json:"bypassGuardrails"`
	AutoRollback     bool          `json:"autoRollback"`
	Actor            string        `json:"actor"`
	Timeout          time.Duration `json:"timeout"`
}

// MutationResult is the outcome of one mutation.
type MutationResult struct {
	MutationID string                  `json:"mutationId"`
	Mutation   models.Mutation         `json:"mutation"`
	Status     Status                  `json:"status"`
	Guardrail  *models.GuardrailResult `json:"guardrail,omitempty"`
	Outcome    *models.ApplyOutcome    `json:"outcome,omitempty"`
	Inverse    *models.Mutation        `json:"inverse,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// BatchResult is the outcome of a batch. Results are in submission order.
type BatchResult struct {
	BatchID        string           `json:"batchId"`
	DryRun         bool             `json:"dryRun"`
	Results        []MutationResult `json:"results"`
	Applied        int              `json:"applied"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped"`
	NotAttempted   int              `json:"notAttempted"`
	RolledBack     bool             `json:"rolledBack"`
	RollbackErrors []string         `json:"rollbackErrors,omitempty"`
	SavePointID    string           `json:"savePointId,omitempty"`
	Warnings       []string         `json:"warnings,omitempty"`
	Preview        *Preview         `json:"preview,omitempty"`
}

func (b *BatchResult) count() {
	b.Applied, b.Failed, b.Skipped, b.NotAttempted = 0, 0, 0, 0
	for _, r := range b.Results {
		switch r.Status {
		case StatusApplied:
			b.Applied++
		case StatusFailed:
			b.Failed++
		case StatusSkipped:
			b.Skipped++
		case StatusNotAttempted:
			b.NotAttempted++
		}
	}
}

// Applier runs batches. It is safe for concurrent use; save points are
// shared by every batch it runs.
type Applier struct {
	validator Validator
	ledger    Reserver
	client    AdsClient
	audit     AuditSink
	limiter   Limiter
	logger    *zap.Logger
	metrics   observability.MetricsRegistry

	mu         sync.Mutex
	savePoints []models.SavePoint
}

// New creates an applier. The ledger and limiter are optional.
func New(validator Validator, ledger Reserver, client AdsClient, audit AuditSink, limiter Limiter, logger *zap.Logger, metrics observability.MetricsRegistry) (*Applier, error) {
	switch {
	case validator == nil:
		return nil, ErrMissingValidator
	case client == nil:
		return nil, ErrMissingAdsClient
	case audit == nil:
		return nil, ErrMissingAuditSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Applier{
		validator: validator,
		ledger:    ledger,
		client:    client,
		audit:     audit,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// pendingInverse is an inverse waiting in the batch's rollback list.
type pendingInverse struct {
	inverse    models.Mutation
	origin     int
	campaignID string
	reserved   models.Micros
}

// Apply validates and applies batch. With opts.DryRun nothing is applied
// and the result carries a Preview instead.
//
// The returned error is non-nil when the batch could not run at all or when
// an outcome could not be written to the audit log; in the latter case the
// result is still returned.
func (a *Applier) Apply(ctx context.Context, batch []models.Mutation, opts Options) (*BatchResult, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	batch = prepare(batch)
	if opts.DryRun {
		return a.dryRun(ctx, batch, opts)
	}

	start := time.Now()
	res := &BatchResult{BatchID: uuid.NewString(), Results: make([]MutationResult, len(batch))}
	ctx, span := observability.GetTracer("applier").Start(ctx, "applier.Apply")
	span.SetAttributes(
		attribute.String("batch.id", res.BatchID),
		attribute.Int("batch.size", len(batch)),
		attribute.Bool("batch.auto_rollback", opts.AutoRollback),
	)
	defer span.End()

	for i, m := range batch {
		res.Results[i] = MutationResult{MutationID: m.ID, Mutation: m, Status: StatusNotAttempted}
	}

	var (
		auditErr error
		inverses []pendingInverse
		applied  = make(map[string]bool)
		stopped  bool
	)
	recordAuditErr := func(err error) {
		if err != nil && auditErr == nil {
			auditErr = err
		}
	}
	conflicted := conflictIndex(batch)

	for _, i := range order(batch) {
		if stopped {
			break
		}
		m := batch[i]
		r := &res.Results[i]

		pending, err := a.applyOne(ctx, m, i, r, opts, conflicted, applied)
		recordAuditErr(err)
		if pending != nil {
			inverses = append(inverses, *pending)
		}
		if r.Status == StatusApplied {
			applied[m.ID] = true
		}
		a.metrics.IncrementMutations(string(r.Status))

		if r.Status == StatusFailed && opts.AutoRollback {
			a.logger.Warn("mutation failed, rolling back batch",
				zap.String("batch_id", res.BatchID),
				zap.String("mutation_id", m.ID),
				zap.Int("inverses", len(inverses)))
			rb := a.replay(ctx, inverses, opts.Actor, "auto", res.Results)
			recordAuditErr(rb.auditErr)
			res.RolledBack = true
			res.RollbackErrors = rb.Errors
			res.Warnings = append(res.Warnings, rb.Warnings...)
			stopped = true
		}
	}

	for _, r := range res.Results {
		res.Warnings = append(res.Warnings, r.Warnings...)
	}
	res.count()

	if !res.RolledBack && len(inverses) > 0 {
		list := make([]models.Mutation, 0, len(inverses))
		for _, p := range inverses {
			list = append(list, p.inverse)
		}
		sp, err := a.pushSavePoint(ctx, res.BatchID, opts.Actor, list)
		if err != nil {
			recordAuditErr(err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("save point not recorded: %v", err))
		} else {
			res.SavePointID = sp.ID
		}
	}

	a.metrics.RecordApplyLatency(time.Since(start))
	span.SetAttributes(
		attribute.Int("batch.applied", res.Applied),
		attribute.Int("batch.failed", res.Failed),
		attribute.Bool("batch.rolled_back", res.RolledBack),
	)
	a.logger.Info("batch processed",
		zap.String("batch_id", res.BatchID),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("not_attempted", res.NotAttempted),
		zap.Bool("rolled_back", res.RolledBack))

	if auditErr != nil {
		span.SetStatus(codes.Error, "audit write failed")
		return res, auditErr
	}
	return res, nil
}

// applyOne moves one mutation through validation, reservation and the
// external call. It returns the inverse to keep when the mutation was
// applied, and an audit error when an outcome could not be recorded.
func (a *Applier) applyOne(ctx context.Context, m models.Mutation, idx int, r *MutationResult, opts Options, conflicted map[int]string, applied map[string]bool) (*pendingInverse, error) {
	ctx, span := observability.GetTracer("applier").Start(ctx, "applier.mutation")
	span.SetAttributes(
		attribute.String("mutation.id", m.ID),
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("mutation.resource_type", string(m.ResourceType)),
	)
	defer span.End()
	// Outcomes are recorded even when the batch deadline has passed.
	auditCtx := context.WithoutCancel(ctx)

	if key, ok := conflicted[idx]; ok {
		gr := blocked(models.ViolationConflict, fmt.Sprintf("another mutation in the batch targets %s", key))
		return nil, a.skip(ctx, m, r, &gr, opts.Actor)
	}
	if dep := missingDependency(m, applied); dep != "" {
		gr := blocked(models.ViolationDependencyFailed, fmt.Sprintf("dependency %s was not applied", dep))
		return nil, a.skip(ctx, m, r, &gr, opts.Actor)
	}
	if ctx.Err() != nil {
		return nil, a.fail(ctx, m, r, fmt.Errorf("%w: %v", errBatchDeadline, ctx.Err()), opts.Actor)
	}

	gr := a.validator.Validate(ctx, m)
	r.Guardrail = &gr
	if !gr.Passed {
		if !opts.BypassGuardrails {
			return nil, a.skip(ctx, m, r, &gr, opts.Actor)
		}
		e := mutationEntry(models.ActionGuardrailBypass, opts.Actor, m, models.ResultSuccess, violationSummary(gr), &gr.EstimatedImpact)
		if err := a.audit.Append(auditCtx, e); err != nil {
			return nil, a.fail(ctx, m, r, &AuditWriteError{Action: models.ActionGuardrailBypass, Err: err}, opts.Actor)
		}
		a.logger.Warn("guardrails bypassed",
			zap.String("mutation_id", m.ID),
			zap.String("actor", opts.Actor),
			zap.Int("violations", len(gr.Violations)))
	}

	campaignID := m.CampaignID()
	spend := gr.EstimatedImpact.CostDelta
	if spend > 0 && a.ledger != nil {
		d, err := a.ledger.ReserveSpend(ctx, m.TenantID, campaignID, spend)
		if err != nil {
			return nil, a.fail(ctx, m, r, fmt.Errorf("reserve spend: %w", err), opts.Actor)
		}
		if !d.Allowed {
			denied := blocked(models.ViolationBudgetLimit, d.Reason)
			denied.Violations[0].SuggestedValue = suggestedHeadroom(m, d.Remaining)
			r.Guardrail = &denied
			return nil, a.skip(ctx, m, r, &denied, opts.Actor)
		}
	} else {
		spend = 0
	}
	release := func() {
		if spend == 0 {
			return
		}
		if err := a.ledger.ReleaseSpend(context.WithoutCancel(ctx), m.TenantID, campaignID, spend); err != nil {
			a.logger.Error("failed to release reserved spend",
				zap.String("mutation_id", m.ID),
				zap.String("tenant_id", m.TenantID),
				zap.Error(err))
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, m.TenantID); err != nil {
			release()
			return nil, a.fail(ctx, m, r, err, opts.Actor)
		}
	}

	// An issued call is never cancelled; the deadline only stops the next
	// mutation from starting.
	outcome, err := a.client.Apply(context.WithoutCancel(ctx), m)
	if err != nil {
		release()
		span.RecordError(err)
		return nil, a.fail(ctx, m, r, err, opts.Actor)
	}
	r.Outcome = &outcome
	r.Status = StatusApplied
	result, reason := models.ResultSuccess, ""
	if err := ctx.Err(); err != nil {
		// The change is live but landed after the deadline. Report it as
		// failed and keep its inverse so it can still be undone.
		r.Status = StatusFailed
		r.Error = fmt.Sprintf("applied after the batch deadline: %v", err)
		result, reason = models.ResultFailed, r.Error
		span.SetStatus(codes.Error, "applied after deadline")
		a.logger.Warn("mutation applied after the batch deadline",
			zap.String("mutation_id", m.ID),
			zap.String("tenant_id", m.TenantID))
	}

	var pending *pendingInverse
	inv, err := Inverse(m, outcome.ResourceRef)
	if err != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("mutation %s cannot be rolled back: %v", m.ID, err))
		a.logger.Warn("no inverse for applied mutation",
			zap.String("mutation_id", m.ID),
			zap.Error(err))
	} else {
		r.Inverse = &inv
		pending = &pendingInverse{inverse: inv, origin: idx, campaignID: campaignID, reserved: spend}
	}

	e := mutationEntry(models.ActionApply, opts.Actor, m, result, reason, &gr.EstimatedImpact)
	if m.EntityID == "" && outcome.ResourceRef != "" {
		e.EntityID = entityIDFromRef(outcome.ResourceRef)
	}
	if err := a.audit.Append(auditCtx, e); err != nil {
		// Applied but unrecorded. Keep the inverse so a rollback can undo it.
		werr := &AuditWriteError{Action: models.ActionApply, Err: err}
		r.Status = StatusFailed
		r.Error = werr.Error()
		span.SetStatus(codes.Error, "audit write failed")
		return pending, werr
	}
	return pending, nil
}

// suggestedHeadroom formats ledger headroom in the unit the mutation
// expressed its spend in: dollars for an estimated cost, micros otherwise.
func suggestedHeadroom(m models.Mutation, remaining models.Micros) string {
	if m.EstimatedCost != nil {
		return remaining.Decimal().String()
	}
	return remaining.Raw()
}

// skip records a mutation that was not attempted because of r's guardrail
// result.
func (a *Applier) skip(ctx context.Context, m models.Mutation, r *MutationResult, gr *models.GuardrailResult, actor string) error {
	r.Status = StatusSkipped
	r.Guardrail = gr
	r.Error = violationSummary(*gr)
	e := mutationEntry(models.ActionApply, actor, m, models.ResultSkipped, r.Error, &gr.EstimatedImpact)
	if err := a.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		return &AuditWriteError{Action: models.ActionApply, Err: err}
	}
	return nil
}

func (a *Applier) fail(ctx context.Context, m models.Mutation, r *MutationResult, cause error, actor string) error {
	r.Status = StatusFailed
	r.Error = cause.Error()
	a.logger.Error("mutation failed",
		zap.String("mutation_id", m.ID),
		zap.String("tenant_id", m.TenantID),
		zap.Error(cause))
	var werr *AuditWriteError
	if errors.As(cause, &werr) {
		return werr
	}
	var impact *models.EstimatedImpact
	if r.Guardrail != nil {
		impact = &r.Guardrail.EstimatedImpact
	}
	e := mutationEntry(models.ActionApply, actor, m, models.ResultFailed, r.Error, impact)
	if err := a.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		return &AuditWriteError{Action: models.ActionApply, Err: err}
	}
	return nil
}

// prepare copies the batch and gives every mutation an id.
func prepare(batch []models.Mutation) []models.Mutation {
	out := make([]models.Mutation, len(batch))
	for i, m := range batch {
		out[i] = m.Clone()
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

func blocked(t models.ViolationType, msg string) models.GuardrailResult {
	gr := models.NewGuardrailResult()
	gr.Passed = false
	gr.AddViolation(models.Violation{Type: t, Severity: models.SeverityError, Message: msg})
	return gr
}

func missingDependency(m models.Mutation, applied map[string]bool) string {
	for _, dep := range m.Dependencies {
		if !applied[dep] {
			return dep
		}
	}
	return ""
}

func violationSummary(gr models.GuardrailResult) string {
	if len(gr.Violations) == 0 {
		return ""
	}
	msg := string(gr.Violations[0].Type) + ": " + gr.Violations[0].Message
	if n := len(gr.Violations) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func mutationEntry(action models.AuditAction, actor string, m models.Mutation, result models.AuditResult, errMsg string, impact *models.EstimatedImpact) *models.AuditLogEntry {
	snap := m.Clone()
	var imp *models.EstimatedImpact
	if impact != nil {
		c := *impact
		imp = &c
	}
	return &models.AuditLogEntry{
		Actor:            actor,
		Action:           action,
		ResourceType:     m.ResourceType,
		EntityID:         m.EntityID,
		TenantID:         m.TenantID,
		MutationSnapshot: &snap,
		Result:           result,
		Error:            errMsg,
		BeforeAfterDiff:  diff(m),
		Impact:           imp,
	}
}

func diff(m models.Mutation) []models.FieldChange {
	keys := m.Changes.Keys()
	if len(keys) == 0 {
		return nil
	}
	out := make([]models.FieldChange, 0, len(keys))
	for _, k := range keys {
		before, _ := m.PreState.String(k)
		after, _ := m.Changes.String(k)
		out = append(out, models.FieldChange{Field: k, Before: before, After: after})
	}
	return out
}
