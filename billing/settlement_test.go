package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Memory
	clock   *generic.FixedClock
	settler *billing.Settler
	credits *billing.CreditService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewFixedClock(t0)
	policy := billing.DefaultPricing()
	return &fixture{
		store:   mem,
		clock:   clock,
		settler: billing.NewSettler(policy, clock, nil),
		credits: billing.NewCreditService(mem, clock, policy.CreditPolicies, nil),
	}
}

func (f *fixture) grant(t *testing.T, user generic.UserID, ct generic.CreditType, amount int64) {
	t.Helper()
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{UserID: user, CreditType: ct, Amount: amount, Reason: "test"})
	require.NoError(t, err)
}

func (f *fixture) settle(t *testing.T, req billing.SettleRequest) (billing.Settlement, error) {
	t.Helper()
	var out billing.Settlement
	err := f.store.WithTx(context.Background(), func(tx generic.Tx) error {
		var err error
		out, err = f.settler.Settle(context.Background(), tx, req)
		return err
	})
	return out, err
}

func balance(t *testing.T, f *fixture, user generic.UserID, ct generic.CreditType) int64 {
	t.Helper()
	c, err := f.store.GetCredit(context.Background(), user, ct)
	require.NoError(t, err)
	if c == nil {
		return 0
	}
	return c.Balance
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func reservationRef(id string) generic.Ref { return generic.Ref{Kind: generic.KindReservation, ID: id} }

// =============================================================================
// SETTLEMENT TESTS
// =============================================================================

func TestSettle_PartialCredit_ChargesResidual(t *testing.T) {
	// GIVEN: User has 2 free hours (4 half-hour blocks at $7.50)
	// WHEN: Settling a 3-hour session ($45)
	// THEN: 4 blocks consumed, $15 pending, balance is 0

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditFreeHours, 4)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("45")})
	require.NoError(t, err)

	c := got.Charge
	assert.Equal(t, generic.ChargePending, c.Status)
	assert.Equal(t, map[generic.CreditType]int64{generic.CreditFreeHours: 4}, c.CreditsApplied)
	assert.True(t, c.CreditValue.Equal(money("30")), "credit value %s", c.CreditValue)
	assert.True(t, c.Net.Equal(money("15")), "net %s", c.Net)
	assert.True(t, c.Gross.Equal(c.Net.Add(c.CreditValue)))
	assert.Equal(t, int64(0), balance(t, f, "u1", generic.CreditFreeHours))

	require.Len(t, got.LowBalance, 1)
	assert.Equal(t, generic.CreditFreeHours, got.LowBalance[0].CreditType)
}

func TestSettle_FullyCovered(t *testing.T) {
	// GIVEN: 5 free blocks
	// WHEN: Settling a 2-hour session (4 blocks)
	// THEN: covered_by_credits with no residual

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditFreeHours, 5)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("30")})
	require.NoError(t, err)

	assert.Equal(t, generic.ChargeCoveredByCredits, got.Charge.Status)
	assert.True(t, got.Charge.Net.IsZero())
	assert.NotNil(t, got.Charge.PaidAt)
	assert.Equal(t, int64(1), balance(t, f, "u1", generic.CreditFreeHours))
}

func TestSettle_PriorityOrder(t *testing.T) {
	// GIVEN: 2 promo blocks, 2 free blocks, 10 bonus blocks
	// WHEN: Settling 3 hours (6 blocks)
	// THEN: promo first, then free, then 2 bonus

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditFreeHours, 2)
	f.grant(t, "u1", generic.CreditPromoHours, 2)
	f.grant(t, "u1", generic.CreditBonusHours, 10)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("45")})
	require.NoError(t, err)

	assert.Equal(t, map[generic.CreditType]int64{
		generic.CreditPromoHours: 2,
		generic.CreditFreeHours:  2,
		generic.CreditBonusHours: 2,
	}, got.Charge.CreditsApplied)
	assert.Equal(t, generic.ChargeCoveredByCredits, got.Charge.Status)
	assert.Equal(t, int64(8), balance(t, f, "u1", generic.CreditBonusHours))
}

func TestSettle_PartHourCoveredByBlocks(t *testing.T) {
	// GIVEN: A member holding 3 free blocks
	// WHEN: Settling sessions of 30 and 90 minutes
	// THEN: Credits pay for both and no cash is due while blocks remain

	tests := []struct {
		name      string
		gross     string
		wantUnits int64
		wantLeft  int64
	}{
		{"half hour", "7.50", 1, 2},
		{"ninety minutes", "22.50", 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.grant(t, "u1", generic.CreditFreeHours, 3)

			got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money(tt.gross)})
			require.NoError(t, err)

			assert.Equal(t, generic.ChargeCoveredByCredits, got.Charge.Status)
			assert.True(t, got.Charge.Net.IsZero(), "net %s", got.Charge.Net)
			assert.Equal(t, tt.wantUnits, got.Charge.CreditsApplied[generic.CreditFreeHours])
			assert.Equal(t, tt.wantLeft, balance(t, f, "u1", generic.CreditFreeHours))
		})
	}
}

func TestSettle_IneligibleCreditsIgnored(t *testing.T) {
	// GIVEN: Only equipment credits
	// WHEN: Settling a room reservation
	// THEN: Nothing consumed; full amount pending

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditEquipmentCredits, 100)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("15")})
	require.NoError(t, err)

	assert.Empty(t, got.Charge.CreditsApplied)
	assert.True(t, got.Charge.Net.Equal(money("15")))
	assert.Equal(t, int64(100), balance(t, f, "u1", generic.CreditEquipmentCredits))
}

func TestSettle_DiscountedRateValuesBlocksAtThatRate(t *testing.T) {
	// GIVEN: Sustaining member paying $12/h with one free hour
	// WHEN: Settling 2 hours at $24
	// THEN: Two blocks cover $12

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditFreeHours, 2)
	rate := billing.DefaultPricing().RateFor(billing.TierSustaining)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("24"), Rate: rate})
	require.NoError(t, err)
	assert.True(t, got.Charge.Net.Equal(money("12")), "net %s", got.Charge.Net)
}

func TestSettle_ExpiredBalanceNotUsed(t *testing.T) {
	f := newFixture(t)
	expires := t0.Add(time.Hour)
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{
		UserID: "u1", CreditType: generic.CreditPromoHours, Amount: 2, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("15")})
	require.NoError(t, err)
	assert.Empty(t, got.Charge.CreditsApplied)
}

func TestSettle_DuplicateChargeable_RollsBackDebits(t *testing.T) {
	// GIVEN: A chargeable that already has a charge
	// WHEN: Settling it again
	// THEN: ErrDuplicate and the second debit is rolled back

	f := newFixture(t)
	f.grant(t, "u1", generic.CreditFreeHours, 4)
	_, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("15")})
	require.NoError(t, err)

	_, err = f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("15")})
	require.ErrorIs(t, err, generic.ErrDuplicate)
	assert.Equal(t, int64(2), balance(t, f, "u1", generic.CreditFreeHours))

	ledger := generic.NewLedger(f.store, f.clock)
	require.NoError(t, ledger.Verify(context.Background(), "u1", generic.CreditFreeHours))
}

func TestSettle_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: generic.Ref{Kind: generic.KindBand, ID: "b1"}, Gross: money("10")})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money("-1")})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestSettle_Conservation(t *testing.T) {
	// Every combination of balance and gross keeps gross = net + credit value.
	for _, free := range []int64{0, 1, 2, 7} {
		for _, gross := range []string{"0", "7.50", "15", "22.49", "45", "100.01"} {
			f := newFixture(t)
			if free > 0 {
				f.grant(t, "u1", generic.CreditFreeHours, free)
			}
			got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_x"), Gross: money(gross)})
			require.NoError(t, err)
			c := got.Charge
			assert.True(t, c.Gross.Equal(c.Net.Add(c.CreditValue)), "free=%d gross=%s", free, gross)
			assert.False(t, c.Net.IsNegative())
		}
	}
}
