package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adguard/internal/models"
)

func TestCampaignIndex(t *testing.T) {
	snap := models.TenantBudget{
		TenantID: "t1",
		Campaigns: map[string]models.CampaignBudget{
			"c2": {CampaignID: "c2"},
			"c1": {CampaignID: "c1", EmergencyStop: &models.EmergencyStop{Reason: "runaway"}},
			"c3": {CampaignID: "c3"},
		},
	}
	ids, stopped := campaignIndex(snap)
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
	assert.Equal(t, []string{"c1"}, stopped)

	ids, stopped = campaignIndex(models.TenantBudget{TenantID: "empty"})
	assert.Empty(t, ids)
	assert.NotNil(t, stopped)
}

func TestCampaignsColumnRoundTrip(t *testing.T) {
	stoppedAt := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	campaigns := map[string]models.CampaignBudget{
		"c1": {
			CampaignID:    "c1",
			DailySpend:    models.Dollars(18),
			TotalSpend:    models.Dollars(240),
			DailyLimit:    models.Dollars(20),
			CampaignLimit: models.MaxMicros,
			EmergencyStop: &models.EmergencyStop{Reason: "runaway", Timestamp: stoppedAt},
		},
		"c2": {CampaignID: "c2", DailySpend: 1},
	}

	data, err := encodeCampaigns(campaigns)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dailySpendMicros":18000000`)
	assert.Contains(t, string(data), `"campaignLimitMicros":9223372036854775807`)

	got, err := decodeCampaigns(data)
	require.NoError(t, err)
	assert.Equal(t, campaigns, got)
}

func TestCampaignsColumnEmpty(t *testing.T) {
	data, err := encodeCampaigns(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	for _, raw := range []string{"", "{}", "null"} {
		got, err := decodeCampaigns([]byte(raw))
		require.NoError(t, err, raw)
		assert.NotNil(t, got, raw)
		assert.Empty(t, got, raw)
	}

	_, err = decodeCampaigns([]byte(`{"c1":{"dailySpendMicros":"lots"}}`))
	assert.Error(t, err)
}
