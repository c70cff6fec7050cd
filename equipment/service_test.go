package equipment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2026-03-02 09:00 UTC
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Memory
	clock   *generic.FixedClock
	credits *billing.CreditService
	svc     *equipment.Service
	mu      sync.Mutex
	got     []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewFixedClock(t0)
	policy := billing.DefaultPricing()
	bus := events.NewBus()
	f := &fixture{store: mem, clock: clock}
	bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.got = append(f.got, e)
		return nil
	})
	f.credits = billing.NewCreditService(mem, clock, policy.CreditPolicies, nil)
	f.svc = equipment.NewService(equipment.Deps{
		Store:   mem,
		Clock:   clock,
		Settler: billing.NewSettler(policy, clock, nil),
		Catalog: equipment.NewCatalog(
			equipment.Item{ID: "amp-1", Name: "Bass amp", RentalFee: decimal.NewFromInt(20), Deposit: decimal.NewFromInt(50)},
			equipment.Item{ID: "mic-1", Name: "Vocal mic", RentalFee: decimal.Zero, Deposit: decimal.NewFromInt(10)},
		),
		Publisher:   bus,
		MaxLoanDays: 14,
	})
	return f
}

func (f *fixture) count(t events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (f *fixture) request(user generic.UserID, item string, from, due time.Time) (equipment.Result, error) {
	return f.svc.Request(context.Background(), equipment.LoanRequest{
		EquipmentID:  item,
		BorrowerID:   user,
		ReservedFrom: from,
		DueAt:        due,
	})
}

func (f *fixture) walk(t *testing.T, id string, cmds ...equipment.Command) equipment.Loan {
	t.Helper()
	var l equipment.Loan
	for _, c := range cmds {
		var err error
		l, err = f.svc.Transition(context.Background(), id, c, "staff-1")
		require.NoError(t, err, c.Name())
	}
	return l
}

func day(d, h int) time.Time { return time.Date(2026, 3, d, h, 0, 0, 0, time.UTC) }

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_OverlappingLoansConflict(t *testing.T) {
	// GIVEN: amp-1 lent Tue 09:00 to Thu 09:00
	// WHEN: Another user asks for Wed and then for Thu 09:00 onward
	// THEN: Wed conflicts, Thu is back-to-back and succeeds

	f := newFixture(t)
	first, err := f.request("u1", "amp-1", day(3, 9), day(5, 9))
	require.NoError(t, err)

	_, err = f.request("u2", "amp-1", day(4, 9), day(4, 18))
	var conflict *generic.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Loan.ID, conflict.ExistingID)
	assert.Equal(t, generic.NamespaceEquipment, conflict.Key.Namespace)

	_, err = f.request("u2", "amp-1", day(5, 9), day(6, 9))
	assert.NoError(t, err)

	_, err = f.request("u2", "mic-1", day(4, 9), day(4, 18))
	assert.NoError(t, err, "other items are independent")
}

func TestRequest_SettlesFeeWithEquipmentCredits(t *testing.T) {
	f := newFixture(t)
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{UserID: "u1", CreditType: generic.CreditEquipmentCredits, Amount: 5, Reason: "test"})
	require.NoError(t, err)

	res, err := f.request("u1", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)

	assert.Equal(t, generic.Ref{Kind: generic.KindLoan, ID: res.Loan.ID}, res.Charge.Chargeable)
	assert.Equal(t, int64(5), res.Charge.CreditsApplied[generic.CreditEquipmentCredits])
	assert.True(t, decimal.NewFromInt(15).Equal(res.Charge.Net))
	assert.Equal(t, generic.ChargePending, res.Charge.Status)
	assert.Equal(t, res.Charge.ID, res.Loan.ChargeID)
	assert.Equal(t, 1, f.count(events.LoanTransitioned))
	assert.Equal(t, 1, f.count(events.ChargeSettled))
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		item string
		from time.Time
		due  time.Time
		err  error
	}{
		{"inverted window", "amp-1", day(4, 9), day(3, 9), generic.ErrValidation},
		{"ended in the past", "amp-1", day(1, 9), day(1, 18), generic.ErrValidation},
		{"longer than max", "amp-1", day(3, 9), day(20, 9), generic.ErrValidation},
		{"unknown item", "drum-9", day(3, 9), day(4, 9), generic.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.request("u1", tt.item, tt.from, tt.due)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestTransition_CancelRefundsAndFreesItem(t *testing.T) {
	// GIVEN: A requested loan paid partly with equipment credits
	// WHEN: It is cancelled before pickup
	// THEN: Credits return, the charge is refunded, the window is free again

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, billing.GrantRequest{UserID: "u1", CreditType: generic.CreditEquipmentCredits, Amount: 5, Reason: "test"})
	require.NoError(t, err)
	res, err := f.request("u1", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)

	l, err := f.svc.Transition(ctx, res.Loan.ID, equipment.Cancel{Reason: "gig moved"}, "")
	require.NoError(t, err)
	assert.Equal(t, generic.LoanCancelled, l.Status(f.clock.Now()))
	assert.True(t, l.DepositReleased)

	charge, err := f.store.GetCharge(ctx, res.Charge.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ChargeRefunded, charge.Status)

	c, err := f.store.GetCredit(ctx, "u1", generic.CreditEquipmentCredits)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Balance)

	_, err = f.request("u2", "amp-1", day(3, 9), day(4, 9))
	assert.NoError(t, err)
}

func TestTransition_RefusedLeavesStoredLoan(t *testing.T) {
	f := newFixture(t)
	res, err := f.request("u1", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), res.Loan.ID, equipment.CheckOut{ConditionOut: "good"}, "staff-1")
	require.ErrorIs(t, err, generic.ErrInvalidTransition)

	got, err := f.svc.Get(context.Background(), res.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.LoanRequested, got.Status(f.clock.Now()))
	assert.Equal(t, 1, got.Version)
}

func TestTransition_CheckoutAndReturnRecordsStaff(t *testing.T) {
	f := newFixture(t)
	res, err := f.request("u1", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)

	f.walk(t, res.Loan.ID, equipment.BeginPreparation{}, equipment.MarkReady{})
	f.clock.Set(day(3, 10))
	l := f.walk(t, res.Loan.ID, equipment.CheckOut{ConditionOut: "good"})
	assert.Equal(t, "staff-1", l.HandledBy)

	f.clock.Set(day(4, 8))
	l = f.walk(t, res.Loan.ID, equipment.BeginReturn{ConditionIn: "good"}, equipment.CompleteReturn{})
	assert.Equal(t, generic.LoanReturned, l.Status(f.clock.Now()))
	assert.Equal(t, 6, l.Version)

	stored, err := f.store.GetLoan(context.Background(), res.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Version, stored.Version)
}

// =============================================================================
// EXTEND AND OVERDUE
// =============================================================================

func TestExtend_RespectsOtherLoans(t *testing.T) {
	f := newFixture(t)
	first, err := f.request("u1", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)
	_, err = f.request("u2", "amp-1", day(5, 9), day(6, 9))
	require.NoError(t, err)

	l, err := f.svc.Extend(context.Background(), first.Loan.ID, day(5, 9))
	require.NoError(t, err, "extending up to the next loan is allowed")
	assert.Equal(t, day(5, 9), l.DueAt)

	_, err = f.svc.Extend(context.Background(), first.Loan.ID, day(5, 12))
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestSweepOverdue_EmitsOnce(t *testing.T) {
	// GIVEN: A checked-out loan due Tue 18:00
	// WHEN: The sweep runs twice after the due time
	// THEN: One loan_overdue event, stored state stays checked_out

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.request("u1", "amp-1", day(3, 9), day(3, 18))
	require.NoError(t, err)
	f.clock.Set(day(3, 9))
	f.walk(t, res.Loan.ID, equipment.BeginPreparation{}, equipment.MarkReady{}, equipment.CheckOut{ConditionOut: "good"})

	n, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	f.clock.Set(day(3, 19))
	n, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.count(events.LoanOverdue))

	l, err := f.svc.Get(ctx, res.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.LoanOverdue, l.Status(f.clock.Now()))
	stored, err := f.store.GetLoan(ctx, res.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.LoanCheckedOut, stored.State)
}

func TestForEquipment_ListsInOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.request("u1", "amp-1", day(5, 9), day(6, 9))
	require.NoError(t, err)
	_, err = f.request("u2", "amp-1", day(3, 9), day(4, 9))
	require.NoError(t, err)

	loans, err := f.svc.ForEquipment(context.Background(), "amp-1")
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, generic.UserID("u2"), loans[0].BorrowerID)
}
