package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanges_PreservesKeyOrder(t *testing.T) {
	var c Changes
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":"x","m":[1,2]}`), &c))
	assert.Equal(t, []string{"z", "a", "m"}, c.Keys())

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":1,"a":"x","m":[1,2]}`, string(out))
	assert.Equal(t, `{"z":1,"a":"x","m":[1,2]}`, string(out))
}

func TestChanges_LargeMicrosSurviveDecoding(t *testing.T) {
	var c Changes
	require.NoError(t, json.Unmarshal([]byte(`{"amountMicros":9007199254740993}`), &c))
	n, ok, err := c.Int64(FieldAmountMicros)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestChanges_Int64(t *testing.T) {
	c := NewChanges("a", int64(5), "b", "7", "c", 2.5, "d", "x", "e", Micros(9))

	n, ok, err := c.Int64("a")
	assert.Equal(t, int64(5), n)
	assert.True(t, ok)
	assert.NoError(t, err)

	n, _, err = c.Int64("b")
	assert.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, ok, err = c.Int64("c")
	assert.True(t, ok)
	assert.Error(t, err)

	_, _, err = c.Int64("d")
	assert.Error(t, err)

	n, _, _ = c.Int64("e")
	assert.Equal(t, int64(9), n)

	_, ok, err = c.Int64("missing")
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestChanges_RenameDeleteClone(t *testing.T) {
	c := NewChanges("one", 1, "two", 2, "three", 3)
	c.Rename("two", "deux")
	assert.Equal(t, []string{"one", "deux", "three"}, c.Keys())

	clone := c.Clone()
	clone.Delete("one")
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"deux", "three"}, clone.Keys())
}

func TestChanges_EqualAcrossEncodings(t *testing.T) {
	inCode := NewChanges(FieldAmountMicros, int64(2000000), FieldDevices, []string{"mobile"})
	data, err := json.Marshal(inCode)
	require.NoError(t, err)

	var decoded Changes
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, inCode.Equal(decoded))

	decoded.Set(FieldAmountMicros, "3000000")
	assert.False(t, inCode.Equal(decoded))
}

func TestMicros_String(t *testing.T) {
	assert.Equal(t, "$2.00", Dollars(2).String())
	assert.Equal(t, "$0.05", Micros(50_000).String())
	assert.Equal(t, "-$1.50", Micros(-1_500_000).String())
	assert.Equal(t, Micros(20_000_000), Dollars(20))
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityRank(PriorityHigh), PriorityRank(PriorityMedium))
	assert.Less(t, PriorityRank(PriorityMedium), PriorityRank(PriorityLow))
	assert.Equal(t, PriorityRank(PriorityMedium), PriorityRank(""))
	assert.Equal(t, len(PriorityOrder), PriorityRank("urgent"))

	_, err := PriorityFromIndex(len(PriorityOrder))
	assert.Error(t, err)
}

func TestDecide(t *testing.T) {
	errV := []Violation{{Severity: SeverityError}}
	critV := []Violation{{Severity: SeverityCritical}}
	warnV := []Violation{{Severity: SeverityWarning}}

	assert.False(t, Decide(EnforcementHard, errV))
	assert.False(t, Decide("", errV))
	assert.True(t, Decide(EnforcementSoft, errV))
	assert.False(t, Decide(EnforcementSoft, critV))
	assert.True(t, Decide(EnforcementHard, warnV))
}

func TestMutation_Validate(t *testing.T) {
	ok := Mutation{Kind: KindPause, ResourceType: ResourceCampaign, EntityID: "c1", TenantID: "t"}
	assert.NoError(t, ok.Validate())

	create := Mutation{Kind: KindCreate, ResourceType: ResourceAd, TenantID: "t"}
	assert.NoError(t, create.Validate())

	noEntity := Mutation{Kind: KindUpdate, ResourceType: ResourceAd, TenantID: "t"}
	assert.ErrorIs(t, noEntity.Validate(), ErrMissingEntityID)

	noTenant := Mutation{Kind: KindPause, ResourceType: ResourceCampaign, EntityID: "c1"}
	assert.ErrorIs(t, noTenant.Validate(), ErrMissingTenant)
}
