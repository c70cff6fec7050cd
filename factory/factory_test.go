package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/generic"
)

func TestParsePricing(t *testing.T) {
	f := NewPricingFactory()

	t.Run("full definition", func(t *testing.T) {
		policy, err := f.ParsePricing(`{
			"currency": "EUR",
			"hourly_rate": 18.5,
			"tier_rates": {"sustaining": 14},
			"block_minutes": 30,
			"credit_rules": {
				"reservation": [{"credit_type": "free-hours", "priority": 0}],
				"sale": [{"credit_type": "store-credit", "priority": 0, "unit_value": 5}]
			},
			"low_balance": {"free-hours": 2},
			"credit_policies": {"free-hours": {"max_balance": 8}}
		}`)
		require.NoError(t, err)

		assert.Equal(t, "EUR", policy.Currency)
		assert.True(t, decimal.RequireFromString("18.5").Equal(policy.HourlyRate))
		assert.True(t, decimal.NewFromInt(14).Equal(policy.TierRates[billing.TierSustaining]))
		assert.Equal(t, 30, policy.BlockMinutes)
		require.Len(t, policy.CreditRules[generic.KindSale], 1)
		assert.True(t, decimal.NewFromInt(5).Equal(policy.CreditRules[generic.KindSale][0].UnitValue))
		assert.Empty(t, policy.CreditRules[generic.KindLoan], "a present credit_rules map replaces the defaults")
		assert.Equal(t, int64(2), policy.LowBalance[generic.CreditFreeHours])
		require.NotNil(t, policy.CreditPolicies[generic.CreditFreeHours].MaxBalance)
		assert.Equal(t, int64(8), *policy.CreditPolicies[generic.CreditFreeHours].MaxBalance)
	})

	t.Run("empty definition uses defaults", func(t *testing.T) {
		policy, err := f.ParsePricing(`{}`)
		require.NoError(t, err)
		def := billing.DefaultPricing()
		assert.Equal(t, def.Currency, policy.Currency)
		assert.True(t, def.HourlyRate.Equal(policy.HourlyRate))
		assert.Len(t, policy.CreditRules[generic.KindReservation], len(def.CreditRules[generic.KindReservation]))
	})

	t.Run("rejects", func(t *testing.T) {
		bad := map[string]string{
			"not json":            `{`,
			"negative rate":       `{"hourly_rate": -1}`,
			"unknown tier":        `{"tier_rates": {"gold": 10}}`,
			"reservable kind":     `{"credit_rules": {"band": [{"credit_type": "x"}]}}`,
			"missing credit type": `{"credit_rules": {"loan": [{"priority": 1}]}}`,
			"odd block":           `{"block_minutes": 45}`,
			"currency":            `{"currency": "dollars"}`,
		}
		for name, js := range bad {
			_, err := f.ParsePricing(js)
			assert.Error(t, err, name)
		}
	})
}

func TestParseSeries(t *testing.T) {
	req, err := ParseSeries(`{
		"owner_id": "u-42",
		"reservable": {"kind": "band", "id": "band-7"},
		"space_id": "room-a",
		"rule": "FREQ=WEEKLY;BYDAY=TU,TH;COUNT=8",
		"start_time": "19:00",
		"end_time": "21:00",
		"location": "America/Chicago",
		"start_date": "2026-03-03",
		"end_date": "2026-06-30"
	}`)
	require.NoError(t, err)

	assert.Equal(t, generic.UserID("u-42"), req.OwnerID)
	assert.Equal(t, generic.Ref{Kind: generic.KindBand, ID: "band-7"}, req.Reservable)
	assert.Equal(t, generic.RuleWeekly, req.Rule.Frequency)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Thursday}, req.Rule.Weekdays)
	require.NotNil(t, req.Rule.Count)
	assert.Equal(t, 8, *req.Rule.Count)
	assert.Equal(t, "19:00", req.StartTime.String())
	assert.Equal(t, "2026-03-03", req.StartDate.String())
	require.NotNil(t, req.EndDate)
	assert.Equal(t, "2026-06-30", req.EndDate.String())
}

func TestParseSeries_Rejects(t *testing.T) {
	base := SeriesJSON{
		OwnerID:    "u1",
		Reservable: RefJSON{Kind: "band", ID: "b1"},
		SpaceID:    "room-a",
		Rule:       "FREQ=WEEKLY;BYDAY=MO",
		StartTime:  "18:00",
		EndTime:    "20:00",
		StartDate:  "2026-03-02",
	}
	_, err := BuildSeries(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*SeriesJSON)
	}{
		{"no owner", func(s *SeriesJSON) { s.OwnerID = "" }},
		{"unknown kind", func(s *SeriesJSON) { s.Reservable.Kind = "spaceship" }},
		{"bad rule", func(s *SeriesJSON) { s.Rule = "FREQ=HOURLY" }},
		{"bad time", func(s *SeriesJSON) { s.StartTime = "7pm" }},
		{"bad zone", func(s *SeriesJSON) { s.Location = "Mars/Olympus" }},
		{"end before start", func(s *SeriesJSON) { s.EndDate = "2026-03-01" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sj := base
			tt.mutate(&sj)
			_, err := BuildSeries(sj)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}
