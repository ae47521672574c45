package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/patrickwarner/adguard/internal/models"
)

// ErrInvalidPolicy is returned when a policy file decodes but is not usable.
var ErrInvalidPolicy = errors.New("invalid guardrail policy")

// LoadPolicy reads the guardrail policy from path (YAML, JSON or TOML by
// extension) with GUARDRAIL_* environment overrides, e.g.
// GUARDRAIL_BUDGET_DAILY_MICROS or GUARDRAIL_ALLOWED_DEVICES=desktop,mobile.
// An empty path yields the defaults plus any overrides.
func LoadPolicy(path string) (models.GuardrailConfig, error) {
	v := viper.New()
	setPolicyDefaults(v, models.DefaultGuardrailConfig())

	v.SetEnvPrefix("GUARDRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return models.GuardrailConfig{}, fmt.Errorf("read policy %s: %w", path, err)
		}
	}

	var cfg models.GuardrailConfig
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return models.GuardrailConfig{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := ValidatePolicy(&cfg); err != nil {
		return models.GuardrailConfig{}, err
	}
	return cfg, nil
}

// ValidatePolicy checks cfg and normalizes device names and enforcement level in place.
func ValidatePolicy(cfg *models.GuardrailConfig) error {
	switch models.EnforcementLevel(strings.ToLower(string(cfg.Budget.Enforcement))) {
	case "", models.EnforcementHard:
		cfg.Budget.Enforcement = models.EnforcementHard
	case models.EnforcementSoft:
		cfg.Budget.Enforcement = models.EnforcementSoft
	default:
		return fmt.Errorf("%w: enforcement must be soft or hard, got %q", ErrInvalidPolicy, cfg.Budget.Enforcement)
	}

	limits := map[string]models.Micros{
		"budget.daily_micros":        cfg.Budget.DailyMicros,
		"budget.campaign_micros":     cfg.Budget.CampaignMicros,
		"budget.account_micros":      cfg.Budget.AccountMicros,
		"budget.per_mutation_micros": cfg.Budget.PerMutationMicros,
		"bids.max_cpc_micros":        cfg.Bids.MaxCPCMicros,
		"bids.max_cpm_micros":        cfg.Bids.MaxCPMMicros,
	}
	for key, val := range limits {
		if val < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, key)
		}
	}
	if cfg.LandingPage.MaxLoadTime < 0 {
		return fmt.Errorf("%w: landing_page.max_load_time must not be negative", ErrInvalidPolicy)
	}

	devices := make([]string, 0, len(cfg.AllowedDevices))
	for _, d := range cfg.AllowedDevices {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			devices = append(devices, d)
		}
	}
	cfg.AllowedDevices = devices
	return nil
}

func setPolicyDefaults(v *viper.Viper, d models.GuardrailConfig) {
	v.SetDefault("budget.daily_micros", int64(d.Budget.DailyMicros))
	v.SetDefault("budget.campaign_micros", int64(d.Budget.CampaignMicros))
	v.SetDefault("budget.account_micros", int64(d.Budget.AccountMicros))
	v.SetDefault("budget.per_mutation_micros", int64(d.Budget.PerMutationMicros))
	v.SetDefault("budget.enforcement", string(d.Budget.Enforcement))
	v.SetDefault("allowed_devices", d.AllowedDevices)
	v.SetDefault("landing_page.enabled", d.LandingPage.Enabled)
	v.SetDefault("landing_page.require_https", d.LandingPage.RequireHTTPS)
	v.SetDefault("landing_page.check_reachability", d.LandingPage.CheckReachability)
	v.SetDefault("landing_page.max_load_time", d.LandingPage.MaxLoadTime)
	v.SetDefault("bids.max_cpc_micros", int64(d.Bids.MaxCPCMicros))
	v.SetDefault("bids.max_cpm_micros", int64(d.Bids.MaxCPMMicros))
	v.SetDefault("keywords.prohibited_terms", d.Keywords.ProhibitedTerms)
	v.SetDefault("keywords.require_shared_negative_list", d.Keywords.RequireSharedNegativeList)
}
