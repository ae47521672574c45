package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMutation_Canonical(t *testing.T) {
	data := []byte(`{
		"id": "m1",
		"kind": "Update",
		"resourceType": "budget",
		"entityId": "b-1",
		"tenantId": "t1",
		"changes": {"amountMicros": 30000000, "campaignId": "c-1"},
		"preState": {"amountMicros": 20000000},
		"estimatedCost": 5.25,
		"priority": "high",
		"dependencies": ["m0"]
	}`)

	m, err := NormalizeMutation(data)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, KindUpdate, m.Kind)
	assert.Equal(t, ResourceBudget, m.ResourceType)
	assert.Equal(t, "b-1", m.EntityID)
	assert.Equal(t, "t1", m.TenantID)
	assert.Equal(t, "c-1", m.CampaignID())
	assert.Equal(t, []string{"m0"}, m.Dependencies)
	assert.Equal(t, PriorityHigh, m.Priority)

	amount, ok, err := m.Changes.Int64(FieldAmountMicros)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30000000), amount)

	cost, ok, err := m.EstimatedCostMicros()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Micros(5_250_000), cost)
}

func TestNormalizeMutation_LegacyShape(t *testing.T) {
	data := []byte(`{
		"operation": "delete",
		"entity_type": "AD_GROUP",
		"id": 12345,
		"customer_id": "acct-9",
		"fields": {
			"final_urls": ["https://example.com/a", "https://example.com/b"],
			"keyword_text": "running shoes",
			"device": "Mobile, Desktop",
			"cpc_bid_micros": "1500000"
		}
	}`)

	m, err := NormalizeMutation(data)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID, "missing mutation id is generated")
	assert.Equal(t, KindRemove, m.Kind)
	assert.Equal(t, ResourceAdGroup, m.ResourceType)
	assert.Equal(t, "12345", m.EntityID)
	assert.Equal(t, "acct-9", m.TenantID)

	url, _ := m.Changes.String(FieldFinalURL)
	assert.Equal(t, "https://example.com/a", url)
	assert.False(t, m.Changes.Has("finalUrls"))

	text, _ := m.Changes.String(FieldText)
	assert.Equal(t, "running shoes", text)

	devices, ok := m.Changes.Strings(FieldDevices)
	assert.True(t, ok)
	assert.Equal(t, []string{"Mobile", "Desktop"}, devices)

	bid, ok, err := m.Changes.Int64(FieldCPCBidMicros)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1500000), bid)
}

func TestNormalizeMutation_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{`, ErrMalformedMutation},
		{"unknown kind", `{"kind":"explode","resourceType":"campaign"}`, ErrInvalidKind},
		{"unknown resource", `{"kind":"create","resourceType":"audience"}`, ErrInvalidResource},
		{"bad changes", `{"kind":"create","resourceType":"ad","changes":[1,2]}`, ErrMalformedMutation},
		{"bad cost", `{"kind":"create","resourceType":"ad","estimatedCost":"lots"}`, ErrMalformedMutation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeMutation([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNormalizeBatch_ReportsIndex(t *testing.T) {
	_, err := NormalizeBatch([]byte(`[{"kind":"pause","resourceType":"campaign","entityId":"c1","tenantId":"t"},{"kind":"nope"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutation 1")
}

func TestNormalizeMutation_RoundTripsCanonicalJSON(t *testing.T) {
	orig := Mutation{
		ID:           "m-7",
		Kind:         KindCreate,
		ResourceType: ResourceKeyword,
		TenantID:     "t1",
		Changes:      NewChanges(FieldText, "blue widgets", FieldAdGroupID, "ag-1"),
		Priority:     PriorityLow,
	}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	m, err := NormalizeMutation(data)
	require.NoError(t, err)
	assert.Equal(t, "m-7", m.ID)
	assert.Empty(t, m.EntityID)
	assert.True(t, Equivalent(orig, m))
}

func TestParseResourceType(t *testing.T) {
	tests := map[string]ResourceType{
		"campaign":        ResourceCampaign,
		"AdGroup":         ResourceAdGroup,
		"AD_GROUP":        ResourceAdGroup,
		"adGroupAd":       ResourceAd,
		"campaign_budget": ResourceBudget,
		"Keyword":         ResourceKeyword,
	}
	for in, want := range tests {
		got, err := ParseResourceType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
