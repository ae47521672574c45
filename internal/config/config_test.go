package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adguard/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8788", cfg.Port)
	assert.Equal(t, "adguard", cfg.ServiceName)
	assert.True(t, cfg.AutoRollback)
	assert.Equal(t, 90*24*time.Hour, cfg.AuditRetention)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("APPLY_TIMEOUT", "45")
	t.Setenv("AUTO_ROLLBACK", "false")
	t.Setenv("PROBE_CACHE_TTL", "90s")
	t.Setenv("RATE_LIMIT_CAPACITY", "not-a-number")
	t.Setenv("LEDGER_TIMEZONE", "America/New_York")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.ApplyTimeout)
	assert.False(t, cfg.AutoRollback)
	assert.Equal(t, 90*time.Second, cfg.ProbeCacheTTL)
	assert.Equal(t, 20, cfg.RateLimitCapacity, "invalid values fall back to the default")
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestLocation_Invalid(t *testing.T) {
	cfg := Config{LedgerTimezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadPolicy_Defaults(t *testing.T) {
	cfg, err := LoadPolicy("")
	require.NoError(t, err)
	def := models.DefaultGuardrailConfig()
	assert.Equal(t, def.Budget, cfg.Budget)
	assert.Equal(t, def.AllowedDevices, cfg.AllowedDevices)
	assert.Equal(t, def.LandingPage, cfg.LandingPage)
	assert.Empty(t, cfg.Keywords.ProhibitedTerms)
	assert.True(t, cfg.Keywords.RequireSharedNegativeList)
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
budget:
  daily_micros: 20000000
  account_micros: 500000000
  enforcement: SOFT
allowed_devices: [Desktop, mobile]
landing_page:
  enabled: true
  require_https: true
  check_reachability: false
  max_load_time: 2s
bids:
  max_cpc_micros: 2000000
keywords:
  prohibited_terms: [free, cheap]
  require_shared_negative_list: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, models.Micros(20_000_000), cfg.Budget.DailyMicros)
	assert.Equal(t, models.Micros(500_000_000), cfg.Budget.AccountMicros)
	assert.Equal(t, models.EnforcementSoft, cfg.Budget.Enforcement)
	assert.Equal(t, []string{"desktop", "mobile"}, cfg.AllowedDevices)
	assert.False(t, cfg.LandingPage.CheckReachability)
	assert.Equal(t, 2*time.Second, cfg.LandingPage.MaxLoadTime)
	assert.Equal(t, models.Micros(2_000_000), cfg.Bids.MaxCPCMicros)
	assert.Equal(t, []string{"free", "cheap"}, cfg.Keywords.ProhibitedTerms)
	assert.False(t, cfg.Keywords.RequireSharedNegativeList)
}

func TestLoadPolicy_EnvOverride(t *testing.T) {
	t.Setenv("GUARDRAIL_BIDS_MAX_CPC_MICROS", "1500000")
	t.Setenv("GUARDRAIL_ALLOWED_DEVICES", "tablet,desktop")

	cfg, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, models.Micros(1_500_000), cfg.Bids.MaxCPCMicros)
	assert.Equal(t, []string{"tablet", "desktop"}, cfg.AllowedDevices)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"budget":{"enforcement":"medium"}}`), 0o600))

	_, err := LoadPolicy(path)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
