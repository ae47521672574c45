package models

import "time"

// AuditAction is what an audit entry records.
type AuditAction string

const (
	ActionApply                AuditAction = "apply"
	ActionRollback             AuditAction = "rollback"
	ActionDryRun               AuditAction = "dry_run"
	ActionSavePointCreated     AuditAction = "savepoint_created"
	ActionSavePointRecovered   AuditAction = "savepoint_recovered"
	ActionGuardrailBypass      AuditAction = "guardrail_bypass"
	ActionEmergencyStopSet     AuditAction = "emergency_stop_set"
	ActionEmergencyStopCleared AuditAction = "emergency_stop_cleared"
	ActionLedgerReset          AuditAction = "ledger_reset"
	ActionPolicyReload         AuditAction = "policy_reload"
)

// SecurityActions are counted as security events in audit summaries.
var SecurityActions = map[AuditAction]bool{
	ActionGuardrailBypass:      true,
	ActionEmergencyStopSet:     true,
	ActionEmergencyStopCleared: true,
	ActionPolicyReload:         true,
}

// AuditResult is the outcome recorded for an action.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailed  AuditResult = "failed"
	ResultSkipped AuditResult = "skipped"
)

// FieldChange records one field's value before and after a mutation.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// AuditLogEntry is one immutable audit record.
type AuditLogEntry struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Actor            string           `json:"actor"`
	Action           AuditAction      `json:"action"`
	ResourceType     ResourceType     `json:"resourceType,omitempty"`
	EntityID         string           `json:"entityId,omitempty"`
	TenantID         string           `json:"tenantId,omitempty"`
	MutationSnapshot *Mutation        `json:"mutationSnapshot,omitempty"`
	Result           AuditResult      `json:"result"`
	Error            string           `json:"error,omitempty"`
	BeforeAfterDiff  []FieldChange    `json:"beforeAfterDiff,omitempty"`
	Impact           *EstimatedImpact `json:"impact,omitempty"`
	// IntegrityHash is a SHA-256 over the fields above; IntegritySignature
	// is an HMAC of that hash under the audit secret.
	IntegrityHash      string `json:"integrityHash"`
	IntegritySignature string `json:"integritySignature"`
}

// AuditFilter selects entries. Zero fields match everything.
type AuditFilter struct {
	TenantID     string       `json:"tenantId,omitempty"`
	Actor        string       `json:"actor,omitempty"`
	Action       AuditAction  `json:"action,omitempty"`
	ResourceType ResourceType `json:"resourceType,omitempty"`
	EntityID     string       `json:"entityId,omitempty"`
	Result       AuditResult  `json:"result,omitempty"`
	From         time.Time    `json:"from,omitempty"`
	To           time.Time    `json:"to,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// Match reports whether e satisfies every set field of f, ignoring Limit.
func (f AuditFilter) Match(e AuditLogEntry) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.EntityID != "" && e.EntityID != f.EntityID:
		return false
	case f.Result != "" && e.Result != f.Result:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	}
	return true
}

// AuditError is a failed action listed in a summary.
type AuditError struct {
	EntryID   string      `json:"entryId"`
	Timestamp time.Time   `json:"timestamp"`
	Action    AuditAction `json:"action"`
	EntityID  string      `json:"entityId,omitempty"`
	Message   string      `json:"message"`
}

// AuditSummary aggregates entries over a period.
type AuditSummary struct {
	From            time.Time            `json:"from"`
	To              time.Time            `json:"to"`
	Total           int                  `json:"total"`
	ByAction        map[AuditAction]int  `json:"byAction"`
	ByActor         map[string]int       `json:"byActor"`
	ByResult        map[AuditResult]int  `json:"byResult"`
	ByResourceType  map[ResourceType]int `json:"byResourceType"`
	Errors          []AuditError         `json:"errors"`
	SecurityEvents  int                  `json:"securityEvents"`
	TamperedEntries []string             `json:"tamperedEntries,omitempty"`
}

// SavePoint is a checkpoint holding the inverses of one applied batch.
type SavePoint struct {
	ID               string     `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	BatchID          string     `json:"batchId,omitempty"`
	Actor            string     `json:"actor,omitempty"`
	InverseMutations []Mutation `json:"inverseMutations"`
}

// ApplyOutcome is what the ads platform reports for an applied mutation.
type ApplyOutcome struct {
	ResourceRef   string  `json:"resourceRef"`
	AppliedFields Changes `json:"appliedFields"`
}
