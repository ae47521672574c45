package applier

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adguard/internal/audit"
	"github.com/patrickwarner/adguard/internal/integrity"
	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/models"
)

// slowClient delays the listed mutations before handing them to the fake.
type slowClient struct {
	*fakeClient
	delay time.Duration
	slow  map[string]bool
}

func (c *slowClient) Apply(ctx context.Context, m models.Mutation) (models.ApplyOutcome, error) {
	if c.slow[m.ID] {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return models.ApplyOutcome{}, ctx.Err()
		}
	}
	return c.fakeClient.Apply(ctx, m)
}

func newFileAudit(t *testing.T) *audit.Log {
	t.Helper()
	store, err := audit.NewFileStore(t.TempDir(), false, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	signer, err := integrity.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	l, err := audit.NewLog(store, signer, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return l
}

func auditResults(t *testing.T, l *audit.Log, action models.AuditAction) map[string]models.AuditResult {
	t.Helper()
	entries, err := l.Query(context.Background(), models.AuditFilter{Action: action})
	require.NoError(t, err)
	out := make(map[string]models.AuditResult, len(entries))
	for _, e := range entries {
		out[e.EntityID] = e.Result
	}
	return out
}

func TestApply_CallOverrunningDeadlineIsAuditedAsFailed(t *testing.T) {
	log := newFileAudit(t)
	client := &slowClient{
		fakeClient: &fakeClient{fail: map[string]error{}, failEntity: map[string]error{}},
		delay:      80 * time.Millisecond,
		slow:       map[string]bool{"m1": true},
	}
	a, err := New(passAll(), nil, client, log, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	res, err := a.Apply(context.Background(), []models.Mutation{
		pause("m1", "c1"), pause("m2", "c2"),
	}, Options{Actor: "alice", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	first := res.Results[0]
	assert.Equal(t, StatusFailed, first.Status)
	assert.Contains(t, first.Error, "after the batch deadline")
	require.NotNil(t, first.Outcome, "the platform accepted the change")
	require.NotNil(t, first.Inverse)
	assert.Equal(t, models.KindEnable, first.Inverse.Kind)

	assert.Equal(t, StatusFailed, res.Results[1].Status)
	assert.Contains(t, res.Results[1].Error, errBatchDeadline.Error())
	assert.Equal(t, []string{"Pause c1"}, client.kinds())

	assert.Equal(t, map[string]models.AuditResult{
		"c1": models.ResultFailed,
		"c2": models.ResultFailed,
	}, auditResults(t, log, models.ActionApply))

	require.NotEmpty(t, res.SavePointID, "the late change stays recoverable")
	sps := a.SavePoints()
	require.Len(t, sps, 1)
	assert.Equal(t, res.SavePointID, sps[0].ID)
	require.Len(t, sps[0].InverseMutations, 1)
	assert.Equal(t, "c1", sps[0].InverseMutations[0].EntityID)
}

func TestApply_CallOverrunningDeadlineIsRolledBack(t *testing.T) {
	log := newFileAudit(t)
	client := &slowClient{
		fakeClient: &fakeClient{fail: map[string]error{}, failEntity: map[string]error{}},
		delay:      80 * time.Millisecond,
		slow:       map[string]bool{"m1": true},
	}
	a, err := New(passAll(), nil, client, log, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	res, err := a.Apply(context.Background(), []models.Mutation{
		pause("m1", "c1"), pause("m2", "c2"),
	}, Options{Actor: "alice", Timeout: 20 * time.Millisecond, AutoRollback: true})
	require.NoError(t, err)

	assert.True(t, res.RolledBack)
	assert.Equal(t, StatusRolledBack, res.Results[0].Status)
	assert.Equal(t, StatusNotAttempted, res.Results[1].Status)
	assert.Equal(t, []string{"Pause c1", "Enable c1"}, client.kinds())

	assert.Equal(t, map[string]models.AuditResult{"c1": models.ResultFailed},
		auditResults(t, log, models.ActionApply))
	assert.Equal(t, map[string]models.AuditResult{"c1": models.ResultSuccess},
		auditResults(t, log, models.ActionRollback))
}

func TestApply_CancelledBatchStillAuditsSkips(t *testing.T) {
	log := newFileAudit(t)
	client := &fakeClient{fail: map[string]error{}, failEntity: map[string]error{}}
	a, err := New(passAll(), nil, client, log, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := a.Apply(ctx, []models.Mutation{
		pause("m1", "c1"), pause("m2", "c1"),
	}, Options{Actor: "alice"})
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, res.Results[0].Status)
	assert.Equal(t, StatusSkipped, res.Results[1].Status)
	assert.Empty(t, client.kinds())

	entries, err := log.Query(context.Background(), models.AuditFilter{Action: models.ActionApply})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, models.ResultSkipped, e.Result)
	}
}

func TestApply_LedgerDenialSuggestsInMutationUnit(t *testing.T) {
	five := decimal.NewFromInt(5)
	tests := []struct {
		name string
		m    models.Mutation
		want string
	}{
		{
			name: "estimated cost in dollars",
			m: models.Mutation{
				ID: "m1", Kind: models.KindUpdate, ResourceType: models.ResourceCampaign,
				EntityID: "c1", TenantID: "t1", EstimatedCost: &five,
				Changes: models.NewChanges(models.FieldStatus, "ENABLED"),
			},
			want: "2",
		},
		{
			name: "amount in micros",
			m: models.Mutation{
				ID: "m1", Kind: models.KindCreate, ResourceType: models.ResourceBudget, TenantID: "t1",
				Changes: models.NewChanges(models.FieldAmountMicros, "5000000", models.FieldCampaignID, "c1"),
			},
			want: "2000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l := ledger.NewMemoryLedger(ledger.Defaults{DailyLimit: models.Dollars(20)}, time.UTC, nil, nil)
			require.NoError(t, l.RecordSpend(ctx, "t1", "c1", models.Dollars(18)))
			// Passes validation as if the ledger still had room, the way a
			// concurrent batch can race the reservation.
			v := validatorFunc(func(m models.Mutation) models.GuardrailResult {
				res := models.NewGuardrailResult()
				res.EstimatedImpact.CostDelta = models.Dollars(5)
				return res
			})
			h := newHarness(t, v, l)

			res, err := h.applier.Apply(ctx, []models.Mutation{tt.m}, Options{Actor: "alice"})
			require.NoError(t, err)

			r := res.Results[0]
			assert.Equal(t, StatusSkipped, r.Status)
			require.NotNil(t, r.Guardrail)
			require.Len(t, r.Guardrail.Violations, 1)
			assert.Equal(t, models.ViolationBudgetLimit, r.Guardrail.Violations[0].Type)
			assert.Equal(t, tt.want, r.Guardrail.Violations[0].SuggestedValue)
			assert.Empty(t, h.client.kinds())
		})
	}
}
