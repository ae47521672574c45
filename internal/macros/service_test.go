package macros

import (
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adguard/internal/models"
)

func TestService_Expand(t *testing.T) {
	service := NewServiceForTesting(zaptest.NewLogger(t))

	m := &models.Mutation{
		ID:           "m1",
		Kind:         models.KindCreate,
		ResourceType: models.ResourceKeyword,
		TenantID:     "t1",
		Changes: models.NewChanges(
			models.FieldText, "running shoes",
			models.FieldCampaignID, "c-1",
			models.FieldFinalURL, "https://shop.example.com",
			models.FieldCustomParameters, map[string]any{"_promo": "fall"},
		),
	}

	got, err := service.Expand(m, "{lpurl}?kw={keyword}&cid={campaignid}&x={_promo}&y={unknown}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://shop.example.com?kw=running+shoes&cid=c-1&x=fall&y={unknown}"
	if got.URL != want {
		t.Errorf("expected %q, got %q", want, got.URL)
	}
	if !reflect.DeepEqual(got.Unknown, []string{"unknown"}) {
		t.Errorf("expected unknown placeholders [unknown], got %v", got.Unknown)
	}
}

func TestNewContextFromMutation(t *testing.T) {
	tests := []struct {
		name     string
		mutation *models.Mutation
		check    func(t *testing.T, ctx *ExpansionContext)
	}{
		{
			name:     "nil mutation uses samples",
			mutation: nil,
			check: func(t *testing.T, ctx *ExpansionContext) {
				if ctx.Keyword != sampleKeyword || ctx.CampaignID != sampleEntityID || ctx.Device != "c" {
					t.Errorf("unexpected sample context %+v", ctx)
				}
			},
		},
		{
			name: "ad group entity and pre-state url",
			mutation: &models.Mutation{
				Kind:         models.KindUpdate,
				ResourceType: models.ResourceAdGroup,
				EntityID:     "ag-9",
				Changes:      models.NewChanges(models.FieldDevices, []string{"Mobile"}, models.FieldMatchType, "PHRASE"),
				PreState:     models.NewChanges(models.FieldFinalURL, "https://old.example.com"),
			},
			check: func(t *testing.T, ctx *ExpansionContext) {
				if ctx.AdGroupID != "ag-9" {
					t.Errorf("expected ad group ag-9, got %s", ctx.AdGroupID)
				}
				if ctx.FinalURL != "https://old.example.com" {
					t.Errorf("expected pre-state final url, got %s", ctx.FinalURL)
				}
				if ctx.Device != "m" || ctx.MatchType != "p" {
					t.Errorf("expected device m and match type p, got %s %s", ctx.Device, ctx.MatchType)
				}
			},
		},
		{
			name: "custom parameters as key/value list",
			mutation: &models.Mutation{
				Kind:         models.KindUpdate,
				ResourceType: models.ResourceAd,
				EntityID:     "ad-1",
				Changes: models.NewChanges(models.FieldCustomParameters, []any{
					map[string]any{"key": "promo", "value": "spring"},
					map[string]any{"key": "n", "value": 3.0},
				}),
			},
			check: func(t *testing.T, ctx *ExpansionContext) {
				if ctx.CreativeID != "ad-1" {
					t.Errorf("expected creative ad-1, got %s", ctx.CreativeID)
				}
				want := map[string]string{"promo": "spring", "n": "3"}
				if !reflect.DeepEqual(ctx.CustomParams, want) {
					t.Errorf("expected %v, got %v", want, ctx.CustomParams)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, NewContextFromMutation(tt.mutation))
		})
	}
}
