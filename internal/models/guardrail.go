package models

import (
	"time"
)

// Severity ranks a violation. Critical always blocks, error blocks under
// hard enforcement, warning never blocks.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EnforcementLevel decides whether error violations block a mutation.
type EnforcementLevel string

const (
	EnforcementSoft EnforcementLevel = "soft"
	EnforcementHard EnforcementLevel = "hard"
)

// RiskLevel buckets the numeric risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ViolationType classifies violations for reporting and metrics.
type ViolationType string

const (
	ViolationBudgetLimit       ViolationType = "budget_limit"
	ViolationEmergencyStop     ViolationType = "emergency_stop"
	ViolationLandingPage       ViolationType = "landing_page"
	ViolationInvalidURL        ViolationType = "invalid_url"
	ViolationInsecureURL       ViolationType = "insecure_url"
	ViolationDeviceTargeting   ViolationType = "device_targeting"
	ViolationBidLimit          ViolationType = "bid_limit"
	ViolationBidRange          ViolationType = "bid_range"
	ViolationInvalidValue      ViolationType = "invalid_value"
	ViolationProhibitedKeyword ViolationType = "prohibited_keyword"
	ViolationInvalidMutation   ViolationType = "invalid_mutation"
	ViolationConflict          ViolationType = "conflict"
	ViolationDependencyFailed  ViolationType = "dependency_failed"
	ViolationSystemError       ViolationType = "system_error"
)

// Violation is one failed guardrail check.
type Violation struct {
	Type           ViolationType `json:"type"`
	Severity       Severity      `json:"severity"`
	Message        string        `json:"message"`
	Field          string        `json:"field,omitempty"`
	SuggestedValue string        `json:"suggestedValue,omitempty"`
}

// EstimatedImpact summarizes the cost and risk of a mutation.
type EstimatedImpact struct {
	CostDelta Micros    `json:"costDeltaMicros"`
	RiskScore int       `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
}

// GuardrailResult is the outcome of validating one mutation.
type GuardrailResult struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
	Warnings   []string    `json:"warnings"`
	// Modifications holds compliant replacement values the caller may
	// apply instead of the requested ones.
	Modifications   Changes         `json:"modifications"`
	EstimatedImpact EstimatedImpact `json:"estimatedImpact"`
}

// NewGuardrailResult returns an empty passing result.
func NewGuardrailResult() GuardrailResult {
	return GuardrailResult{
		Passed:     true,
		Violations: []Violation{},
		Warnings:   []string{},
		EstimatedImpact: EstimatedImpact{
			RiskLevel: RiskLow,
		},
	}
}

func (r *GuardrailResult) AddViolation(v Violation) {
	r.Violations = append(r.Violations, v)
}

func (r *GuardrailResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// HasSeverity reports whether any violation has the given severity.
func (r GuardrailResult) HasSeverity(s Severity) bool {
	for _, v := range r.Violations {
		if v.Severity == s {
			return true
		}
	}
	return false
}

// Decide computes the pass flag: no critical violation, and no error
// violation unless enforcement is soft. An empty level means hard.
func Decide(level EnforcementLevel, violations []Violation) bool {
	for _, v := range violations {
		switch v.Severity {
		case SeverityCritical:
			return false
		case SeverityError:
			if level != EnforcementSoft {
				return false
			}
		}
	}
	return true
}

// SystemErrorResult is the failed result returned when validation itself
// could not complete.
func SystemErrorResult(err error) GuardrailResult {
	r := NewGuardrailResult()
	r.Passed = false
	r.AddViolation(Violation{
		Type:     ViolationSystemError,
		Severity: SeverityCritical,
		Message:  "validation failed: " + err.Error(),
	})
	r.EstimatedImpact.RiskLevel = RiskHigh
	return r
}

// BudgetLimits bounds spend. A zero limit is unlimited. Enforcement governs
// every error violation, not only budget ones.
type BudgetLimits struct {
	DailyMicros       Micros           `json:"dailyMicros" mapstructure:"daily_micros"`
	CampaignMicros    Micros           `json:"campaignMicros" mapstructure:"campaign_micros"`
	AccountMicros     Micros           `json:"accountMicros" mapstructure:"account_micros"`
	PerMutationMicros Micros           `json:"perMutationMicros" mapstructure:"per_mutation_micros"`
	Enforcement       EnforcementLevel `json:"enforcement" mapstructure:"enforcement"`
}

// LandingPageChecks selects which destination URL checks run.
type LandingPageChecks struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	RequireHTTPS      bool          `json:"requireHttps" mapstructure:"require_https"`
	CheckReachability bool          `json:"checkReachability" mapstructure:"check_reachability"`
	MaxLoadTime       time.Duration `json:"maxLoadTime" mapstructure:"max_load_time"`
}

// BidLimits are ceilings for bids in micros. Zero disables a ceiling.
type BidLimits struct {
	MaxCPCMicros Micros `json:"maxCpcMicros" mapstructure:"max_cpc_micros"`
	MaxCPMMicros Micros `json:"maxCpmMicros" mapstructure:"max_cpm_micros"`
}

// KeywordPolicy lists prohibited terms and negative list requirements.
type KeywordPolicy struct {
	ProhibitedTerms           []string `json:"prohibitedTerms" mapstructure:"prohibited_terms"`
	RequireSharedNegativeList bool     `json:"requireSharedNegativeList" mapstructure:"require_shared_negative_list"`
}

// GuardrailConfig is the active guardrail policy. It is treated as an
// immutable snapshot once handed to the validator.
type GuardrailConfig struct {
	Budget         BudgetLimits      `json:"budget" mapstructure:"budget"`
	AllowedDevices []string          `json:"allowedDevices" mapstructure:"allowed_devices"`
	LandingPage    LandingPageChecks `json:"landingPage" mapstructure:"landing_page"`
	Bids           BidLimits         `json:"bids" mapstructure:"bids"`
	Keywords       KeywordPolicy     `json:"keywords" mapstructure:"keywords"`
}

// DefaultGuardrailConfig returns the policy used when no policy file is configured.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		Budget: BudgetLimits{
			Enforcement: EnforcementHard,
		},
		AllowedDevices: []string{"desktop", "mobile", "tablet"},
		LandingPage: LandingPageChecks{
			Enabled:           true,
			RequireHTTPS:      true,
			CheckReachability: true,
			MaxLoadTime:       3 * time.Second,
		},
		Keywords: KeywordPolicy{
			RequireSharedNegativeList: true,
		},
	}
}

// ProbeResult is what a landing page probe observed.
type ProbeResult struct {
	Reachable  bool          `json:"reachable"`
	HTTPStatus int           `json:"httpStatus"`
	IsHTTPS    bool          `json:"isHttps"`
	LoadTime   time.Duration `json:"loadTime"`
	FinalURL   string        `json:"finalUrl,omitempty"`
}
