package applier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adguard/internal/guardrails"
	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/models"
)

type validatorFunc func(m models.Mutation) models.GuardrailResult

func (f validatorFunc) Validate(ctx context.Context, m models.Mutation) models.GuardrailResult {
	return f(m)
}

func passAll() validatorFunc {
	return func(m models.Mutation) models.GuardrailResult {
		res := models.NewGuardrailResult()
		if c, ok, err := m.EstimatedCostMicros(); ok && err == nil {
			res.EstimatedImpact.CostDelta = c
		}
		return res
	}
}

type fakeClient struct {
	mu    sync.Mutex
	calls []models.Mutation
	fail  map[string]error
	// failEntity fails any call touching the entity, inverses included.
	failEntity map[string]error
}

func (c *fakeClient) Apply(ctx context.Context, m models.Mutation) (models.ApplyOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, m)
	if err := c.fail[m.ID]; err != nil {
		return models.ApplyOutcome{}, err
	}
	if err := c.failEntity[m.EntityID]; err != nil {
		return models.ApplyOutcome{}, err
	}
	ref := "customers/" + m.TenantID + "/" + string(m.ResourceType) + "s/" + m.EntityID
	if m.EntityID == "" {
		ref = "customers/" + m.TenantID + "/" + string(m.ResourceType) + "s/new-" + m.ID
	}
	return models.ApplyOutcome{ResourceRef: ref, AppliedFields: m.Changes.Clone()}, nil
}

func (c *fakeClient) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, m := range c.calls {
		out[i] = string(m.Kind) + " " + m.EntityID
	}
	return out
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
	failOn  map[models.AuditAction]bool
}

func (a *memoryAudit) Append(ctx context.Context, e *models.AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOn[e.Action] {
		return errors.New("disk full")
	}
	a.entries = append(a.entries, *e)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = string(e.Action) + ":" + string(e.Result)
	}
	return out
}

type harness struct {
	applier *Applier
	client  *fakeClient
	audit   *memoryAudit
}

func newHarness(t *testing.T, v Validator, l Reserver) *harness {
	t.Helper()
	h := &harness{
		client: &fakeClient{fail: map[string]error{}, failEntity: map[string]error{}},
		audit:  &memoryAudit{failOn: map[models.AuditAction]bool{}},
	}
	a, err := New(v, l, h.client, h.audit, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	h.applier = a
	return h
}

func pause(id, campaign string) models.Mutation {
	return models.Mutation{
		ID:           id,
		Kind:         models.KindPause,
		ResourceType: models.ResourceCampaign,
		EntityID:     campaign,
		TenantID:     "t1",
	}
}

func TestApply_AutoRollbackStopsBatch(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	h.client.fail["m2"] = errors.New("platform unavailable")

	res, err := h.applier.Apply(context.Background(), []models.Mutation{
		pause("m1", "c1"), pause("m2", "c2"), pause("m3", "c3"),
	}, Options{AutoRollback: true, Actor: "alice"})
	require.NoError(t, err)

	assert.True(t, res.RolledBack)
	assert.Equal(t, StatusRolledBack, res.Results[0].Status)
	assert.Equal(t, StatusFailed, res.Results[1].Status)
	assert.Equal(t, StatusNotAttempted, res.Results[2].Status)
	assert.Equal(t, 1, res.NotAttempted)
	assert.Empty(t, res.SavePointID)
	assert.Empty(t, h.applier.SavePoints())

	assert.Equal(t, []string{"Pause c1", "Pause c2", "Enable c1"}, h.client.kinds())
	assert.Equal(t, []string{"apply:success", "apply:failed", "rollback:success"}, h.audit.actions())
	for _, e := range h.audit.entries {
		assert.Equal(t, "alice", e.Actor)
	}
}

func TestApply_FailureWithoutAutoRollbackContinues(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	h.client.fail["m2"] = errors.New("platform unavailable")

	res, err := h.applier.Apply(context.Background(), []models.Mutation{
		pause("m1", "c1"), pause("m2", "c2"), pause("m3", "c3"),
	}, Options{})
	require.NoError(t, err)

	assert.False(t, res.RolledBack)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Failed)
	require.NotEmpty(t, res.SavePointID)

	sps := h.applier.SavePoints()
	require.Len(t, sps, 1)
	assert.Equal(t, res.SavePointID, sps[0].ID)
	require.Len(t, sps[0].InverseMutations, 2)
	assert.Equal(t, models.KindEnable, sps[0].InverseMutations[0].Kind)
	assert.Equal(t, "c1", sps[0].InverseMutations[0].EntityID)
}

func TestApply_ConflictsRejectBothMutations(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	update := models.Mutation{
		ID:           "m2",
		Kind:         models.KindUpdate,
		ResourceType: models.ResourceCampaign,
		EntityID:     "c1",
		TenantID:     "t1",
		Changes:      models.NewChanges(models.FieldName, "New"),
		PreState:     models.NewChanges(models.FieldName, "Old"),
	}

	res, err := h.applier.Apply(context.Background(), []models.Mutation{
		pause("m1", "c1"), update, pause("m3", "c3"),
	}, Options{})
	require.NoError(t, err)

	for _, i := range []int{0, 1} {
		r := res.Results[i]
		assert.Equal(t, StatusSkipped, r.Status)
		require.NotNil(t, r.Guardrail)
		assert.Equal(t, models.ViolationConflict, r.Guardrail.Violations[0].Type)
	}
	assert.Equal(t, StatusApplied, res.Results[2].Status)
	assert.Equal(t, []string{"Pause c3"}, h.client.kinds())

	conflicts := DetectConflicts([]models.Mutation{pause("m1", "c1"), update, pause("m3", "c3")})
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"m1", "m2"}, conflicts[0].MutationIDs)
}

func TestDetectConflicts_TenantsAndCreatesDoNotCollide(t *testing.T) {
	other := pause("m2", "c1")
	other.TenantID = "t2"
	create := models.Mutation{ID: "m3", Kind: models.KindCreate, ResourceType: models.ResourceCampaign, TenantID: "t1"}
	create2 := create
	create2.ID = "m4"

	assert.Empty(t, DetectConflicts([]models.Mutation{pause("m1", "c1"), other, create, create2}))
}

func TestApply_PriorityAndDependencyOrder(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	low := pause("m1", "c1")
	low.Priority = models.PriorityLow
	high := pause("m2", "c2")
	high.Priority = models.PriorityHigh
	medium := pause("m3", "c3")
	// High priority, but needs m4 first.
	dependent := pause("m5", "c5")
	dependent.Priority = models.PriorityHigh
	dependent.Dependencies = []string{"m4"}
	dep := pause("m4", "c4")
	dep.Priority = models.PriorityLow

	res, err := h.applier.Apply(context.Background(), []models.Mutation{low, high, medium, dependent, dep}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, []string{"Pause c2", "Pause c3", "Pause c1", "Pause c4", "Pause c5"}, h.client.kinds())
}

func TestApply_FailedDependencySkips(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	h.client.fail["m1"] = errors.New("boom")
	child := pause("m2", "c2")
	child.Dependencies = []string{"m1"}

	res, err := h.applier.Apply(context.Background(), []models.Mutation{pause("m1", "c1"), child}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Results[0].Status)
	assert.Equal(t, StatusSkipped, res.Results[1].Status)
	assert.Equal(t, models.ViolationDependencyFailed, res.Results[1].Guardrail.Violations[0].Type)
}

func TestApply_GuardrailsRealValidator(t *testing.T) {
	cfg := models.GuardrailConfig{Budget: models.BudgetLimits{Enforcement: models.EnforcementHard}}
	cfg.Keywords.ProhibitedTerms = []string{"free"}
	v := guardrails.NewValidator(cfg, nil, nil, nil, zaptest.NewLogger(t), nil)

	kw := models.Mutation{
		ID:           "m1",
		Kind:         models.KindCreate,
		ResourceType: models.ResourceKeyword,
		TenantID:     "t1",
		Changes:      models.NewChanges(models.FieldText, "free chrome extension", models.FieldAdGroupID, "ag1"),
	}

	t.Run("hard enforcement skips", func(t *testing.T) {
		h := newHarness(t, v, nil)
		res, err := h.applier.Apply(context.Background(), []models.Mutation{kw}, Options{})
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Results[0].Status)
		assert.Contains(t, res.Results[0].Error, "prohibited_keyword")
		assert.Empty(t, h.client.calls)
		assert.Equal(t, []string{"apply:skipped"}, h.audit.actions())
	})

	t.Run("bypass applies and audits", func(t *testing.T) {
		h := newHarness(t, v, nil)
		res, err := h.applier.Apply(context.Background(), []models.Mutation{kw}, Options{BypassGuardrails: true, Actor: "ops"})
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, res.Results[0].Status)
		assert.Equal(t, []string{"guardrail_bypass:success", "apply:success", "savepoint_created:success"}, h.audit.actions())
		// The create's inverse removes the entity the platform reported.
		require.NotNil(t, res.Results[0].Inverse)
		assert.Equal(t, models.KindRemove, res.Results[0].Inverse.Kind)
		assert.Equal(t, "new-m1", res.Results[0].Inverse.EntityID)
		assert.Equal(t, "new-m1", h.audit.entries[1].EntityID)
	})
}

func TestApply_ReservesAndReleasesSpend(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(ledger.Defaults{DailyLimit: models.Dollars(20)}, time.UTC, nil, nil)
	v := guardrails.NewValidator(models.GuardrailConfig{}, l, nil, nil, zaptest.NewLogger(t), nil)
	h := newHarness(t, v, l)

	five := decimal.NewFromInt(5)
	spend := func(id, campaign string) models.Mutation {
		m := pause(id, campaign)
		m.Kind = models.KindEnable
		m.EstimatedCost = &five
		return m
	}
	h.client.fail["m2"] = errors.New("boom")

	res, err := h.applier.Apply(ctx, []models.Mutation{spend("m1", "c1"), spend("m2", "c2")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	snap, err := l.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.Dollars(5), snap.Campaigns["c1"].DailySpend)
	assert.Equal(t, models.Micros(0), snap.Campaigns["c2"].DailySpend)
	assert.Equal(t, models.Dollars(5), snap.AccountSpend)
}

func TestApply_AutoRollbackReleasesSpend(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(ledger.Defaults{}, time.UTC, nil, nil)
	v := guardrails.NewValidator(models.GuardrailConfig{}, l, nil, nil, zaptest.NewLogger(t), nil)
	h := newHarness(t, v, l)
	h.client.fail["m2"] = errors.New("boom")

	seven := decimal.NewFromInt(7)
	m1 := pause("m1", "c1")
	m1.Kind = models.KindEnable
	m1.EstimatedCost = &seven

	res, err := h.applier.Apply(ctx, []models.Mutation{m1, pause("m2", "c2")}, Options{AutoRollback: true})
	require.NoError(t, err)
	assert.True(t, res.RolledBack)

	snap, err := l.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.Micros(0), snap.AccountSpend)
}

func TestApply_ExpiredContextFails(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.applier.Apply(ctx, []models.Mutation{pause("m1", "c1")}, Options{AutoRollback: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Results[0].Status)
	assert.Contains(t, res.Results[0].Error, "deadline")
	assert.Empty(t, h.client.calls)
}

func TestApply_AuditFailureIsNotSuccess(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	h.audit.failOn[models.ActionApply] = true

	res, err := h.applier.Apply(context.Background(), []models.Mutation{pause("m1", "c1")}, Options{})
	var werr *AuditWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, models.ActionApply, werr.Action)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Results[0].Status)
	assert.Equal(t, 0, res.Applied)
	// The unrecorded change can still be undone.
	require.NotNil(t, res.Results[0].Inverse)
}

func TestApply_UpdateWithoutPreStateWarns(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	m := models.Mutation{
		ID:           "m1",
		Kind:         models.KindUpdate,
		ResourceType: models.ResourceAdGroup,
		EntityID:     "ag1",
		TenantID:     "t1",
		Changes:      models.NewChanges(models.FieldCPCBidMicros, int64(1_000_000)),
	}

	res, err := h.applier.Apply(context.Background(), []models.Mutation{m}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Results[0].Status)
	assert.Nil(t, res.Results[0].Inverse)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "cannot be rolled back")
	assert.Empty(t, res.SavePointID)
}

func TestApply_EmptyBatch(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	_, err := h.applier.Apply(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, &fakeClient{}, &memoryAudit{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingValidator)
	_, err = New(passAll(), nil, nil, &memoryAudit{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingAdsClient)
	_, err = New(passAll(), nil, &fakeClient{}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingAuditSink)
}

func TestInverse_RoundTrip(t *testing.T) {
	base := models.Mutation{
		ID:           "m1",
		ResourceType: models.ResourceCampaign,
		EntityID:     "c1",
		TenantID:     "t1",
	}
	for _, kind := range []models.Kind{models.KindCreate, models.KindRemove, models.KindPause, models.KindEnable} {
		t.Run(string(kind), func(t *testing.T) {
			m := base
			m.Kind = kind
			if kind == models.KindCreate {
				m.EntityID = ""
				m.Changes = models.NewChanges(models.FieldName, "Spring", models.FieldStatus, "ENABLED")
			}
			if kind == models.KindRemove {
				m.PreState = models.NewChanges(models.FieldName, "Spring")
			}
			inv, err := Inverse(m, "customers/t1/campaigns/c9")
			require.NoError(t, err)
			back, err := Inverse(inv, "")
			require.NoError(t, err)
			assert.True(t, models.Equivalent(m, back), "got %s with %v", back, back.Changes.Map())
		})
	}

	t.Run("Update", func(t *testing.T) {
		m := base
		m.Kind = models.KindUpdate
		m.Changes = models.NewChanges(models.FieldName, "New", models.FieldCPCBidMicros, int64(2_000_000))
		m.PreState = models.NewChanges(models.FieldCPCBidMicros, int64(1_000_000), models.FieldName, "Old", models.FieldStatus, "ENABLED")

		inv, err := Inverse(m, "")
		require.NoError(t, err)
		assert.Equal(t, []string{models.FieldName, models.FieldCPCBidMicros}, inv.Changes.Keys())
		name, _ := inv.Changes.String(models.FieldName)
		assert.Equal(t, "Old", name)

		back, err := Inverse(inv, "")
		require.NoError(t, err)
		assert.True(t, models.Equivalent(m, back))
	})

	t.Run("Update without pre-state", func(t *testing.T) {
		m := base
		m.Kind = models.KindUpdate
		m.Changes = models.NewChanges(models.FieldName, "New")
		_, err := Inverse(m, "")
		assert.ErrorIs(t, err, ErrNoPreState)
	})

	t.Run("Create without id", func(t *testing.T) {
		m := base
		m.Kind = models.KindCreate
		m.EntityID = ""
		_, err := Inverse(m, "")
		assert.ErrorIs(t, err, ErrNoEntityID)
	})
}

func TestRecoverFromSavePoint_TruncatesStack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, passAll(), nil)

	first, err := h.applier.Apply(ctx, []models.Mutation{pause("m1", "c1"), pause("m2", "c2")}, Options{})
	require.NoError(t, err)
	second, err := h.applier.Apply(ctx, []models.Mutation{pause("m3", "c3")}, Options{})
	require.NoError(t, err)
	require.Len(t, h.applier.SavePoints(), 2)
	h.client.calls = nil

	rr, err := h.applier.RecoverFromSavePoint(ctx, first.SavePointID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, rr.Reverted)
	assert.Equal(t, []string{"Enable c2", "Enable c1"}, h.client.kinds())
	assert.Empty(t, h.applier.SavePoints())

	_, err = h.applier.RecoverFromSavePoint(ctx, second.SavePointID, "bob")
	assert.ErrorIs(t, err, ErrSavePointNotFound)

	actions := h.audit.actions()
	assert.Equal(t, "savepoint_recovered:success", actions[len(actions)-1])
}

func TestRecoverFromSavePoint_KeepsEarlierSavePoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, passAll(), nil)

	first, err := h.applier.Apply(ctx, []models.Mutation{pause("m1", "c1")}, Options{})
	require.NoError(t, err)
	second, err := h.applier.Apply(ctx, []models.Mutation{pause("m2", "c2")}, Options{})
	require.NoError(t, err)

	h.client.failEntity["c2"] = errors.New("still broken")
	rr, err := h.applier.RecoverFromSavePoint(ctx, second.SavePointID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Failed)
	require.Len(t, rr.Errors, 1)

	sps := h.applier.SavePoints()
	require.Len(t, sps, 1)
	assert.Equal(t, first.SavePointID, sps[0].ID)
}

func TestCreateSavePoint(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	_, err := h.applier.CreateSavePoint(context.Background(), "ops", nil)
	assert.ErrorIs(t, err, ErrNothingToSave)

	h.audit.failOn[models.ActionSavePointCreated] = true
	_, err = h.applier.CreateSavePoint(context.Background(), "ops", []models.Mutation{pause("i1", "c1")})
	var werr *AuditWriteError
	assert.ErrorAs(t, err, &werr)
	assert.Empty(t, h.applier.SavePoints(), "unrecorded save points are not kept")
}

func TestRollback_Manual(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	noPre := models.Mutation{
		ID: "m3", Kind: models.KindUpdate, ResourceType: models.ResourceAd, EntityID: "a1", TenantID: "t1",
		Changes: models.NewChanges(models.FieldFinalURL, "https://example.com"),
	}

	rr, err := h.applier.Rollback(context.Background(), []models.Mutation{pause("m1", "c1"), pause("m2", "c2"), noPre}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, rr.Reverted)
	assert.Equal(t, []string{"Enable c2", "Enable c1"}, h.client.kinds())
	require.Len(t, rr.Warnings, 1)
	assert.Contains(t, rr.Warnings[0], "m3")
}

func TestApply_DryRunPreview(t *testing.T) {
	cfg := models.GuardrailConfig{Budget: models.BudgetLimits{Enforcement: models.EnforcementHard}}
	cfg.Bids.MaxCPCMicros = 2_000_000
	v := guardrails.NewValidator(cfg, nil, nil, nil, zaptest.NewLogger(t), nil)
	h := newHarness(t, v, nil)

	ten := decimal.NewFromInt(10)
	budget := models.Mutation{
		ID: "m1", Kind: models.KindUpdate, ResourceType: models.ResourceBudget, EntityID: "b1", TenantID: "t1",
		Changes:       models.NewChanges(models.FieldCampaignID, "c1"),
		EstimatedCost: &ten,
	}
	bid := models.Mutation{
		ID: "m2", Kind: models.KindUpdate, ResourceType: models.ResourceKeyword, EntityID: "k1", TenantID: "t1",
		Changes:  models.NewChanges(models.FieldCPCBidMicros, "3000000", models.FieldCampaignID, "c2"),
		PreState: models.NewChanges(models.FieldCPCBidMicros, "1000000"),
	}
	ad := models.Mutation{
		ID: "m3", Kind: models.KindPause, ResourceType: models.ResourceAd, EntityID: "a1", TenantID: "t1",
		AffectedEntities: []models.EntityRef{{ResourceType: models.ResourceAdGroup, ID: "ag1"}},
	}

	res, err := h.applier.Apply(context.Background(), []models.Mutation{budget, bid, ad}, Options{DryRun: true, Actor: "alice"})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	require.NotNil(t, res.Preview)
	p := res.Preview
	assert.False(t, p.CanProceed)
	assert.Equal(t, []string{"m2"}, p.Blocked)
	assert.Equal(t, models.Dollars(10), p.TotalBudgetDelta)
	assert.Equal(t, 1, p.AffectedCampaigns)
	assert.Equal(t, 1, p.AffectedBudgets)
	assert.Equal(t, 1, p.AffectedAds)
	assert.Equal(t, 1, p.AffectedAdGroups)
	assert.Equal(t, 0, p.AffectedKeywords)
	assert.Empty(t, p.Conflicts)

	assert.Equal(t, StatusWouldApply, res.Results[0].Status)
	assert.Equal(t, StatusSkipped, res.Results[1].Status)
	assert.Equal(t, StatusWouldApply, res.Results[2].Status)

	assert.Empty(t, h.client.calls)
	assert.Equal(t, []string{"dry_run:success"}, h.audit.actions())
	assert.Empty(t, h.applier.SavePoints())
}

func TestApply_DryRunConflicts(t *testing.T) {
	h := newHarness(t, passAll(), nil)
	res, err := h.applier.Apply(context.Background(), []models.Mutation{pause("m1", "c1"), pause("m2", "c1")}, Options{DryRun: true})
	require.NoError(t, err)
	assert.False(t, res.Preview.CanProceed)
	require.Len(t, res.Preview.Conflicts, 1)
	assert.Equal(t, 2, res.Skipped)
}
