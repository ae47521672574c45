package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformedMutation is returned when inbound JSON cannot be mapped onto a Mutation.
var ErrMalformedMutation = errors.New("malformed mutation")

// Field aliases accepted at the boundary, canonical name first.
var (
	kindKeys      = []string{"kind", "type", "operation", "op"}
	resourceKeys  = []string{"resourceType", "resource_type", "resource", "entityType", "entity_type"}
	entityKeys    = []string{"entityId", "entity_id", "resourceId", "resource_id", "resourceName", "resource_name"}
	tenantKeys    = []string{"tenantId", "tenant_id", "customerId", "customer_id", "accountId", "account_id"}
	changesKeys   = []string{"changes", "fields", "update"}
	preStateKeys  = []string{"preState", "pre_state", "previous", "before"}
	costKeys      = []string{"estimatedCost", "estimated_cost", "cost"}
	affectedKeys  = []string{"affectedEntities", "affected_entities"}
	priorityKeys  = []string{"priority"}
	dependsKeys   = []string{"dependencies", "dependsOn", "depends_on"}
	mutationIDKey = []string{"mutationId", "mutation_id"}
)

// changeAliases maps legacy change field names to canonical ones. Snake case
// keys that are not listed here are camel-cased.
var changeAliases = map[string]string{
	"keyword":          FieldText,
	"keywordText":      FieldText,
	"device":           FieldDevices,
	"deviceTargeting":  FieldDevices,
	"cpcBid":           FieldCPCBidMicros,
	"cpmBid":           FieldCPMBidMicros,
	"budgetMicros":     FieldAmountMicros,
	"dailyBudget":      FieldAmountMicros,
	"url":              FieldFinalURL,
	"landingPage":      FieldFinalURL,
	"landingPageUrl":   FieldFinalURL,
	"trackingTemplate": FieldTrackingTemplate,
	"negativeLists":    FieldSharedNegativeListIDs,
}

var kindAliases = map[string]Kind{
	"create":   KindCreate,
	"add":      KindCreate,
	"new":      KindCreate,
	"update":   KindUpdate,
	"modify":   KindUpdate,
	"set":      KindUpdate,
	"pause":    KindPause,
	"enable":   KindEnable,
	"resume":   KindEnable,
	"activate": KindEnable,
	"remove":   KindRemove,
	"delete":   KindRemove,
}

var resourceAliases = map[string]ResourceType{
	"campaign":           ResourceCampaign,
	"adgroup":            ResourceAdGroup,
	"ad_group":           ResourceAdGroup,
	"keyword":            ResourceKeyword,
	"ad_group_criterion": ResourceKeyword,
	"criterion":          ResourceKeyword,
	"ad":                 ResourceAd,
	"ad_group_ad":        ResourceAd,
	"budget":             ResourceBudget,
	"campaign_budget":    ResourceBudget,
}

// ParseKind accepts any case and the legacy verbs (delete, add, resume ...).
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// ParseResourceType accepts snake, camel and upper case spellings.
func ParseResourceType(s string) (ResourceType, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, key := range []string{lower, snakeCase(s), strings.ReplaceAll(lower, "_", "")} {
		if r, ok := resourceAliases[key]; ok {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResource, s)
}

// RawMutation is an inbound mutation in any of the accepted shapes.
type RawMutation map[string]json.RawMessage

// NormalizeMutation decodes one mutation from JSON and maps it onto the
// canonical shape.
func NormalizeMutation(data []byte) (Mutation, error) {
	var raw RawMutation
	if err := json.Unmarshal(data, &raw); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrMalformedMutation, err)
	}
	return raw.Normalize()
}

// NormalizeBatch decodes a JSON array of mutations. The first malformed
// element aborts with its index in the error.
func NormalizeBatch(data []byte) ([]Mutation, error) {
	var raws []RawMutation
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMutation, err)
	}
	out := make([]Mutation, 0, len(raws))
	for i, raw := range raws {
		m, err := raw.Normalize()
		if err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Normalize maps the raw fields onto a Mutation.
func (r RawMutation) Normalize() (Mutation, error) {
	var m Mutation

	kindStr, err := r.stringField(kindKeys)
	if err != nil {
		return m, err
	}
	if m.Kind, err = ParseKind(kindStr); err != nil {
		return m, err
	}
	resStr, err := r.stringField(resourceKeys)
	if err != nil {
		return m, err
	}
	if m.ResourceType, err = ParseResourceType(resStr); err != nil {
		return m, err
	}
	if m.TenantID, err = r.stringField(tenantKeys); err != nil {
		return m, err
	}
	if m.EntityID, err = r.stringField(entityKeys); err != nil {
		return m, err
	}
	if m.ID, err = r.stringField(mutationIDKey); err != nil {
		return m, err
	}
	// "id" is the mutation id in the canonical shape and the entity id in
	// legacy payloads.
	if id, err := r.stringField([]string{"id"}); err != nil {
		return m, err
	} else if id != "" {
		_, canonical := r["kind"]
		switch {
		case canonical && m.ID == "":
			m.ID = id
		case !canonical && m.EntityID == "":
			m.EntityID = id
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if raw, ok := r.first(changesKeys); ok {
		if m.Changes, err = normalizeChanges(raw); err != nil {
			return m, fmt.Errorf("%w: changes: %v", ErrMalformedMutation, err)
		}
	}
	if raw, ok := r.first(preStateKeys); ok {
		if m.PreState, err = normalizeChanges(raw); err != nil {
			return m, fmt.Errorf("%w: preState: %v", ErrMalformedMutation, err)
		}
	}
	if raw, ok := r.first(costKeys); ok {
		cost, err := parseCost(raw)
		if err != nil {
			return m, fmt.Errorf("%w: estimatedCost: %v", ErrMalformedMutation, err)
		}
		m.EstimatedCost = cost
	}
	if raw, ok := r.first(affectedKeys); ok {
		if m.AffectedEntities, err = parseEntityRefs(raw); err != nil {
			return m, fmt.Errorf("%w: affectedEntities: %v", ErrMalformedMutation, err)
		}
	}
	if raw, ok := r.first(priorityKeys); ok {
		if m.Priority, err = parsePriority(raw); err != nil {
			return m, fmt.Errorf("%w: priority: %v", ErrMalformedMutation, err)
		}
	}
	if raw, ok := r.first(dependsKeys); ok {
		if err := json.Unmarshal(raw, &m.Dependencies); err != nil {
			return m, fmt.Errorf("%w: dependencies: %v", ErrMalformedMutation, err)
		}
	}
	return m, nil
}

func (r RawMutation) first(keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

// stringField reads a string or number field. Missing fields yield "".
func (r RawMutation) stringField(keys []string) (string, error) {
	raw, ok := r.first(keys)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: field %s must be a string", ErrMalformedMutation, keys[0])
}

func normalizeChanges(raw json.RawMessage) (Changes, error) {
	var c Changes
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	for _, key := range c.Keys() {
		canonicalKey := key
		if alias, ok := changeAliases[key]; ok {
			canonicalKey = alias
		} else if strings.Contains(key, "_") {
			canonicalKey = camelCase(key)
			if alias, ok := changeAliases[canonicalKey]; ok {
				canonicalKey = alias
			}
		}
		c.Rename(key, canonicalKey)
	}
	// finalUrls is a list upstream; only the first entry is served.
	if urls, ok := c.Strings("finalUrls"); ok {
		if !c.Has(FieldFinalURL) && len(urls) > 0 {
			c.Set(FieldFinalURL, urls[0])
		}
		c.Delete("finalUrls")
	}
	if v, ok := c.Get(FieldDevices); ok {
		if _, isString := v.(string); isString {
			devices, _ := c.Strings(FieldDevices)
			c.Set(FieldDevices, devices)
		}
	}
	return c, nil
}

func parseCost(raw json.RawMessage) (*decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(s), "$"))
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// parseEntityRefs accepts objects or "type:id" strings.
func parseEntityRefs(raw json.RawMessage) ([]EntityRef, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]EntityRef, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			typ, id, ok := strings.Cut(s, ":")
			if !ok {
				return nil, fmt.Errorf("entity ref %q is not type:id", s)
			}
			rt, err := ParseResourceType(typ)
			if err != nil {
				return nil, err
			}
			out = append(out, EntityRef{ResourceType: rt, ID: id})
			continue
		}
		var obj RawMutation
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, err
		}
		typ, err := obj.stringField(resourceKeys)
		if err != nil {
			return nil, err
		}
		rt, err := ParseResourceType(typ)
		if err != nil {
			return nil, err
		}
		id, err := obj.stringField(append([]string{"id"}, entityKeys...))
		if err != nil {
			return nil, err
		}
		out = append(out, EntityRef{ResourceType: rt, ID: id})
	}
	return out, nil
}

// parsePriority accepts a level name or a numeric index into PriorityOrder.
func parsePriority(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.ToLower(strings.TrimSpace(s)), nil
	}
	var i int
	if err := json.Unmarshal(raw, &i); err != nil {
		return "", err
	}
	return PriorityFromIndex(i)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func camelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
