package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/generic"
)

func (f *fixture) pendingCharge(t *testing.T, free int64, gross string) generic.Charge {
	t.Helper()
	if free > 0 {
		f.grant(t, "u1", generic.CreditFreeHours, free)
	}
	got, err := f.settle(t, billing.SettleRequest{UserID: "u1", Chargeable: reservationRef("res_1"), Gross: money(gross)})
	require.NoError(t, err)
	return got.Charge
}

func (f *fixture) apply(t *testing.T, sig billing.PaymentSignal) (generic.Charge, error) {
	t.Helper()
	var out generic.Charge
	err := f.store.WithTx(context.Background(), func(tx generic.Tx) error {
		var err error
		out, err = f.settler.ApplyPayment(context.Background(), tx, sig)
		return err
	})
	return out, err
}

func TestCharge_MarkPaid(t *testing.T) {
	f := newFixture(t)
	c := f.pendingCharge(t, 0, "30")

	paid, err := f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentPaid, Method: "card", ExternalRef: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, generic.ChargePaid, paid.Status)
	assert.Equal(t, "card", paid.PaymentMethod)
	require.NotNil(t, paid.PaidAt)

	stored, err := f.store.GetCharge(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ChargePaid, stored.Status)
	assert.Equal(t, c.Version+1, stored.Version)

	// paid is terminal for payment signals
	_, err = f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentPaid})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestCharge_FailedStaysPending(t *testing.T) {
	// GIVEN: A pending charge
	// WHEN: Two payment failures arrive
	// THEN: Still pending, attempts counted, last reason kept

	f := newFixture(t)
	c := f.pendingCharge(t, 0, "30")

	_, err := f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentFailed, Reason: "card declined"})
	require.NoError(t, err)
	got, err := f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentFailed, Reason: "insufficient funds"})
	require.NoError(t, err)

	assert.Equal(t, generic.ChargePending, got.Status)
	assert.Equal(t, 2, got.FailedAttempts)
	assert.Equal(t, "insufficient funds", got.FailureReason)

	paid, err := f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentPaid, Method: "cash"})
	require.NoError(t, err)
	assert.Equal(t, generic.ChargePaid, paid.Status)
	assert.Empty(t, paid.FailureReason)
}

func TestCharge_Comp(t *testing.T) {
	f := newFixture(t)
	c := f.pendingCharge(t, 0, "30")

	var comped generic.Charge
	err := f.store.WithTx(context.Background(), func(tx generic.Tx) error {
		var err error
		comped, err = f.settler.Comp(context.Background(), tx, c.ID, "volunteer shift")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, generic.ChargeComped, comped.Status)
	assert.True(t, comped.Status.IsSettled())
}

func TestCharge_Refund_RecreditsConsumedUnits(t *testing.T) {
	// GIVEN: A charge that consumed 2 free-hour blocks
	// WHEN: Refunded
	// THEN: Both blocks come back with source "refund" and the log replays

	f := newFixture(t)
	c := f.pendingCharge(t, 2, "45")
	require.Equal(t, int64(0), balance(t, f, "u1", generic.CreditFreeHours))

	var txs []generic.CreditTransaction
	err := f.store.WithTx(context.Background(), func(tx generic.Tx) error {
		var err error
		c, txs, err = f.settler.Refund(context.Background(), tx, c.ID, "")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, generic.ChargeRefunded, c.Status)
	require.Len(t, txs, 1)
	assert.Equal(t, generic.SourceRefund, txs[0].Source)
	assert.Equal(t, int64(2), txs[0].Amount)
	assert.Equal(t, int64(2), balance(t, f, "u1", generic.CreditFreeHours))
	require.NoError(t, f.credits.Verify(context.Background(), "u1"))

	_, err = f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: billing.PaymentRefunded})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestCharge_UnknownOutcome(t *testing.T) {
	f := newFixture(t)
	c := f.pendingCharge(t, 0, "10")
	_, err := f.apply(t, billing.PaymentSignal{ChargeID: c.ID, Outcome: "bounced"})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestCharge_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.apply(t, billing.PaymentSignal{ChargeID: "chg_missing", Outcome: billing.PaymentPaid})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
