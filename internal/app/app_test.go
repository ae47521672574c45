package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adguard/internal/adsclient"
	"github.com/patrickwarner/adguard/internal/config"
	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/macros"
	"github.com/patrickwarner/adguard/internal/models"
)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestApp(t *testing.T, policy string) *App {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writePolicy(t, policyPath, policy)

	logger := zaptest.NewLogger(t)
	cfg := config.Config{
		AuditDir:     filepath.Join(dir, "audit"),
		AuditSecret:  "test-secret",
		PolicyFile:   policyPath,
		ProbeTimeout: time.Second,
		ApplyTimeout: 10 * time.Second,
	}
	a, err := New(context.Background(), cfg, logger, nil, Options{
		AdsClient: adsclient.Unconfigured{},
		Macros:    macros.NewServiceForTesting(logger),
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func entries(t *testing.T, a *App, action models.AuditAction) []models.AuditLogEntry {
	t.Helper()
	out, err := a.Audit.Query(context.Background(), models.AuditFilter{Action: action})
	require.NoError(t, err)
	return out
}

func TestNew_InMemoryWithoutBackends(t *testing.T) {
	a := newTestApp(t, "budget:\n  daily_micros: 5000000\n")

	_, ok := a.Ledger.(*ledger.MemoryLedger)
	assert.True(t, ok, "no REDIS_ADDR should give the in-memory ledger")
	assert.Equal(t, models.Micros(5_000_000), a.Validator.Config().Budget.DailyMicros)
	assert.NoError(t, a.FlushSnapshots(context.Background()), "flush is a no-op without postgres")
}

func TestNew_InvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "budget:\n  enforcement: sometimes\n")

	_, err := New(context.Background(), config.Config{AuditDir: dir, PolicyFile: path}, nil, nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidPolicy)
}

func TestNew_GeneratesSecretWhenUnset(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), config.Config{AuditDir: dir}, zaptest.NewLogger(t), nil, Options{
		Macros: macros.NewServiceForTesting(nil),
	})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Audit.Append(context.Background(), &models.AuditLogEntry{Action: models.ActionDryRun}))
	report, err := a.Audit.Verify(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Tampered)
}

func TestReloadPolicy(t *testing.T) {
	a := newTestApp(t, "budget:\n  daily_micros: 1000000\n")
	ctx := context.Background()

	writePolicy(t, a.Config.PolicyFile, "budget:\n  daily_micros: 9000000\n  enforcement: soft\n")
	policy, err := a.ReloadPolicy(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.EnforcementSoft, policy.Budget.Enforcement)
	assert.Equal(t, models.Micros(9_000_000), a.Validator.Config().Budget.DailyMicros)

	writePolicy(t, a.Config.PolicyFile, "budget:\n  enforcement: never\n")
	_, err = a.ReloadPolicy(ctx, "ops")
	require.Error(t, err)
	assert.Equal(t, models.Micros(9_000_000), a.Validator.Config().Budget.DailyMicros, "failed reload keeps the policy in force")

	reloads := entries(t, a, models.ActionPolicyReload)
	require.Len(t, reloads, 2)
	results := []models.AuditResult{reloads[0].Result, reloads[1].Result}
	assert.ElementsMatch(t, []models.AuditResult{models.ResultSuccess, models.ResultFailed}, results)
	assert.Equal(t, "ops", reloads[0].Actor)
}

func TestEmergencyStop_Audited(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()

	require.NoError(t, a.SetEmergencyStop(ctx, "ops", "t1", "c1", "runaway spend"))
	d, err := a.Ledger.CheckSpend(ctx, "t1", "c1", models.Dollars(1))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, a.ClearEmergencyStop(ctx, "ops", "t1", "c1"))
	d, err = a.Ledger.CheckSpend(ctx, "t1", "c1", models.Dollars(1))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	set := entries(t, a, models.ActionEmergencyStopSet)
	require.Len(t, set, 1)
	assert.Equal(t, "c1", set[0].EntityID)
	assert.Equal(t, "runaway spend", set[0].Error)
	assert.Len(t, entries(t, a, models.ActionEmergencyStopCleared), 1)

	sum, err := a.Audit.Summarize(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SecurityEvents)
}

func TestEmergencyStop_FailureAudited(t *testing.T) {
	a := newTestApp(t, "")
	err := a.SetEmergencyStop(context.Background(), "ops", "t1", "", "no campaign")
	require.ErrorIs(t, err, ledger.ErrCampaignRequired)

	set := entries(t, a, models.ActionEmergencyStopSet)
	require.Len(t, set, 1)
	assert.Equal(t, models.ResultFailed, set[0].Result)
}

func TestResetDailyBudgets_NothingToReset(t *testing.T) {
	a := newTestApp(t, "")
	n, err := a.ResetDailyBudgets(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, entries(t, a, models.ActionLedgerReset))
}

func TestSweepAudit_NoRetention(t *testing.T) {
	a := newTestApp(t, "")
	removed, err := a.SweepAudit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStartMaintenance(t *testing.T) {
	a := newTestApp(t, "")
	a.Config.AuditRetention = 24 * time.Hour
	a.Config.ProbeCacheTTL = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := a.StartMaintenance(ctx)
	require.NoError(t, err)
	// ledger reset, audit sweep and probe cleanup; no postgres so no flush
	assert.Len(t, s.Jobs(), 3)
}
