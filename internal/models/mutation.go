package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind is the operation a mutation performs on an ads entity.
type Kind string

const (
	KindCreate Kind = "Create"
	KindUpdate Kind = "Update"
	KindPause  Kind = "Pause"
	KindEnable Kind = "Enable"
	KindRemove Kind = "Remove"
)

// Valid reports whether k is one of the known mutation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindPause, KindEnable, KindRemove:
		return true
	}
	return false
}

// ResourceType identifies the kind of ads entity a mutation targets.
type ResourceType string

const (
	ResourceCampaign ResourceType = "campaign"
	ResourceAdGroup  ResourceType = "ad_group"
	ResourceKeyword  ResourceType = "keyword"
	ResourceAd       ResourceType = "ad"
	ResourceBudget   ResourceType = "budget"
)

// ResourceTypes lists every supported resource type.
var ResourceTypes = []ResourceType{ResourceCampaign, ResourceAdGroup, ResourceKeyword, ResourceAd, ResourceBudget}

func (r ResourceType) Valid() bool {
	for _, t := range ResourceTypes {
		if r == t {
			return true
		}
	}
	return false
}

// EntityRef names an entity touched by a mutation.
type EntityRef struct {
	ResourceType ResourceType `json:"resourceType"`
	ID           string       `json:"id"`
}

func (e EntityRef) String() string { return string(e.ResourceType) + ":" + e.ID }

// Mutation is a single proposed change to an ads entity.
type Mutation struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	ResourceType ResourceType `json:"resourceType"`
	// EntityID is empty only for creates that have not been applied yet.
	EntityID string  `json:"entityId,omitempty"`
	TenantID string  `json:"tenantId"`
	Changes  Changes `json:"changes"`
	// PreState holds the field values before the mutation. Updates need it to
	// build an inverse and budget increase checks compare against it.
	PreState Changes `json:"preState"`
	// EstimatedCost is the expected spend in currency units.
	EstimatedCost    *decimal.Decimal `json:"estimatedCost,omitempty"`
	AffectedEntities []EntityRef      `json:"affectedEntities,omitempty"`
	Priority         string           `json:"priority,omitempty"`
	// Dependencies lists mutation IDs in the same batch that must be applied
	// before this one.
	Dependencies []string `json:"dependencies,omitempty"`
}

var (
	ErrMissingTenant   = errors.New("mutation has no tenant")
	ErrMissingEntityID = errors.New("mutation has no entity id")
	ErrInvalidKind     = errors.New("invalid mutation kind")
	ErrInvalidResource = errors.New("invalid resource type")
)

// Validate checks the structural requirements every mutation must meet
// before any guardrail runs.
func (m Mutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	if !m.ResourceType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResource, m.ResourceType)
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return ErrMissingTenant
	}
	if m.Kind != KindCreate && strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("%w: %s %s", ErrMissingEntityID, m.Kind, m.ResourceType)
	}
	return nil
}

// CampaignID returns the campaign the mutation spends against. Campaign
// mutations use their own id, everything else reads the campaignId field
// from the changes or pre-state.
func (m Mutation) CampaignID() string {
	if m.ResourceType == ResourceCampaign && m.EntityID != "" {
		return m.EntityID
	}
	if id, ok := m.Changes.String(FieldCampaignID); ok && id != "" {
		return id
	}
	if id, ok := m.PreState.String(FieldCampaignID); ok && id != "" {
		return id
	}
	for _, e := range m.AffectedEntities {
		if e.ResourceType == ResourceCampaign {
			return e.ID
		}
	}
	return ""
}

// EstimatedCostMicros returns EstimatedCost in micros. The error is set when
// the cost does not fit in Micros.
func (m Mutation) EstimatedCostMicros() (Micros, bool, error) {
	if m.EstimatedCost == nil {
		return 0, false, nil
	}
	c, err := MicrosFromDecimal(*m.EstimatedCost)
	if err != nil {
		return 0, true, fmt.Errorf("estimated cost: %w", err)
	}
	return c, true, nil
}

// ConflictKey identifies the entity a mutation targets within a tenant.
// Creates without an entity id never conflict and return "".
func (m Mutation) ConflictKey() string {
	if m.EntityID == "" {
		return ""
	}
	return m.TenantID + "|" + string(m.ResourceType) + "|" + m.EntityID
}

// Entities returns the mutation's own entity followed by AffectedEntities,
// without duplicates.
func (m Mutation) Entities() []EntityRef {
	seen := make(map[EntityRef]bool, len(m.AffectedEntities)+1)
	out := make([]EntityRef, 0, len(m.AffectedEntities)+1)
	add := func(e EntityRef) {
		if e.ID == "" || seen[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}
	add(EntityRef{ResourceType: m.ResourceType, ID: m.EntityID})
	for _, e := range m.AffectedEntities {
		add(e)
	}
	return out
}

// Clone returns a deep enough copy for the applier to hand out inverses
// without sharing change maps.
func (m Mutation) Clone() Mutation {
	out := m
	out.Changes = m.Changes.Clone()
	out.PreState = m.PreState.Clone()
	if m.EstimatedCost != nil {
		c := *m.EstimatedCost
		out.EstimatedCost = &c
	}
	if m.AffectedEntities != nil {
		out.AffectedEntities = append([]EntityRef(nil), m.AffectedEntities...)
	}
	if m.Dependencies != nil {
		out.Dependencies = append([]string(nil), m.Dependencies...)
	}
	return out
}

// Equivalent reports whether two mutations perform the same change. Mutation
// ids are ignored, and entity ids are compared only when both are set.
func Equivalent(a, b Mutation) bool {
	if a.Kind != b.Kind || a.ResourceType != b.ResourceType || a.TenantID != b.TenantID {
		return false
	}
	if a.EntityID != "" && b.EntityID != "" && a.EntityID != b.EntityID {
		return false
	}
	return a.Changes.Equal(b.Changes)
}

func (m Mutation) String() string {
	if m.EntityID == "" {
		return fmt.Sprintf("%s %s (new)", m.Kind, m.ResourceType)
	}
	return fmt.Sprintf("%s %s %s", m.Kind, m.ResourceType, m.EntityID)
}
