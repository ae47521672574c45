package models

import "time"

// LimitKind names the budget limit a spend decision was bound by.
type LimitKind string

const (
	LimitNone          LimitKind = ""
	LimitDaily         LimitKind = "daily"
	LimitCampaign      LimitKind = "campaign"
	LimitAccount       LimitKind = "account"
	LimitEmergencyStop LimitKind = "emergency_stop"
)

// EmergencyStop is a sticky per-campaign block on all spend.
type EmergencyStop struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CampaignBudget holds the spend counters and limits for one campaign.
type CampaignBudget struct {
	CampaignID    string         `json:"campaignId"`
	DailySpend    Micros         `json:"dailySpendMicros"`
	TotalSpend    Micros         `json:"totalSpendMicros"`
	DailyLimit    Micros         `json:"dailyLimitMicros"`
	CampaignLimit Micros         `json:"campaignLimitMicros"`
	EmergencyStop *EmergencyStop `json:"emergencyStop,omitempty"`
}

// TenantBudget is a point-in-time copy of one tenant's ledger state.
type TenantBudget struct {
	TenantID      string                    `json:"tenantId"`
	AccountSpend  Micros                    `json:"accountSpendMicros"`
	AccountLimit  Micros                    `json:"accountLimitMicros"`
	LastResetDate string                    `json:"lastResetDate"`
	Campaigns     map[string]CampaignBudget `json:"campaigns"`
}

// SpendDecision is the ledger's answer to a proposed spend. Remaining is
// the headroom left under the binding limit: before the spend when denied,
// after it when allowed.
type SpendDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     LimitKind `json:"limit,omitempty"`
	LimitCap  Micros    `json:"limitMicros"`
	Current   Micros    `json:"currentMicros"`
	Proposed  Micros    `json:"proposedMicros"`
	Remaining Micros    `json:"remainingMicros"`
	Reason    string    `json:"reason,omitempty"`
}
