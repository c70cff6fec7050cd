package booking_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/generic/store"
	"github.com/warp/rehearsal-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2026-03-02 09:00 UTC
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   generic.Store
	clock   *generic.FixedClock
	credits *billing.CreditService
	svc     *booking.Service
	bus     *events.Bus
	got     []events.Event
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, store.NewMemory(), nil)
}

func newFixtureWith(t *testing.T, st generic.Store, tiers billing.TierProvider) *fixture {
	t.Helper()
	clock := generic.NewFixedClock(t0)
	policy := billing.DefaultPricing()
	f := &fixture{store: st, clock: clock, bus: events.NewBus()}
	f.bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.got = append(f.got, e)
		return nil
	})
	f.credits = billing.NewCreditService(st, clock, policy.CreditPolicies, nil)
	f.svc = booking.NewService(booking.Deps{
		Store:     st,
		Clock:     clock,
		Settler:   billing.NewSettler(policy, clock, nil),
		Tiers:     tiers,
		Catalog:   booking.NewCatalog(booking.Space{ID: "room-a", Name: "Room A"}, booking.Space{ID: "room-b", Name: "Room B"}),
		Rules:     booking.DefaultRules(),
		Publisher: f.bus,
	})
	return f
}

func (f *fixture) types() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Type, len(f.got))
	for i, e := range f.got {
		out[i] = e.Type
	}
	return out
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

func window(day, fromHour, fromMin, toHour, toMin int) generic.Window {
	return generic.Window{Start: at(day, fromHour, fromMin), End: at(day, toHour, toMin)}
}

func bandRef(id string) generic.Ref { return generic.Ref{Kind: generic.KindBand, ID: id} }

func book(f *fixture, user generic.UserID, space string, w generic.Window) (booking.Booking, error) {
	return f.svc.Book(context.Background(), booking.BookRequest{
		SpaceID:    space,
		Reservable: bandRef("band-" + string(user)),
		UserID:     user,
		Window:     w,
	})
}

// =============================================================================
// CONFLICTS
// =============================================================================

func TestBook_BackToBackAllowedOverlapRejected(t *testing.T) {
	// GIVEN: Room A booked 10:00-11:00
	// WHEN: Booking 10:30-11:30 and then 11:00-12:00
	// THEN: The overlap conflicts, the adjacent slot succeeds

	f := newFixture(t)
	first, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)

	_, err = book(f, "u2", "room-a", window(3, 10, 30, 11, 30))
	var conflict *generic.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Reservation.ID, conflict.ExistingID)
	assert.Equal(t, first.Reservation.Window, conflict.Existing)
	assert.Equal(t, "conflict", generic.ErrorCode(err))

	_, err = book(f, "u2", "room-a", window(3, 11, 0, 12, 0))
	assert.NoError(t, err)
}

func TestBook_ConflictWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := book(f, "u1", "room-a", window(3, 10, 0, 12, 0))
	require.NoError(t, err)
	_, err = f.credits.Grant(context.Background(), billing.GrantRequest{UserID: "u2", CreditType: generic.CreditFreeHours, Amount: 2, Reason: "test"})
	require.NoError(t, err)

	_, err = book(f, "u2", "room-a", window(3, 11, 0, 13, 0))
	require.ErrorIs(t, err, generic.ErrConflict)

	bals, err := f.credits.Balances(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.Equal(t, int64(2), bals[0].Balance, "no credit consumed by the rejected booking")
}

func TestBook_OtherSpaceDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	_, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)
	_, err = book(f, "u2", "room-b", window(3, 10, 0, 11, 0))
	assert.NoError(t, err)
}

func TestBook_CancelledDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), b.Reservation.ID, "plans changed")
	require.NoError(t, err)

	_, err = book(f, "u2", "room-a", window(3, 10, 0, 11, 0))
	assert.NoError(t, err)
}

func TestBook_ConcurrentAttemptsOneWins(t *testing.T) {
	// GIVEN: A sqlite store and many clients racing for the same slot
	// WHEN: All book at once
	// THEN: Exactly one reservation is active, the rest see ConflictError

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f := newFixtureWith(t, st, nil)

	const n = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := generic.UserID("u" + string(rune('a'+i)))
			_, err := book(f, user, "room-a", window(4, 18, 0, 20, 0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, generic.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	active, err := f.svc.Schedule(context.Background(), "room-a", window(4, 0, 0, 23, 30))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestBook_TwoStoresOnOneFileOneWins(t *testing.T) {
	// GIVEN: Two store handles on the same database file, as two server
	//        processes would have
	// WHEN: Clients on both race for the same slot
	// THEN: The file's write lock lets exactly one booking through

	path := filepath.Join(t.TempDir(), "rehearsal.db")
	var fixtures []*fixture
	for i := 0; i < 2; i++ {
		st, err := sqlite.New(path)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		fixtures = append(fixtures, newFixtureWith(t, st, nil))
	}

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := generic.UserID("u" + string(rune('a'+i)))
			_, err := book(fixtures[i%2], user, "room-a", window(4, 18, 0, 20, 0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, generic.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	for _, f := range fixtures {
		active, err := f.svc.Schedule(context.Background(), "room-a", window(4, 0, 0, 23, 30))
		require.NoError(t, err)
		assert.Len(t, active, 1)
	}
}

// =============================================================================
// RULES AND VALIDATION
// =============================================================================

func TestBook_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name  string
		req   booking.BookRequest
		code  string
		notFd bool
	}{
		{"inverted window", booking.BookRequest{SpaceID: "room-a", Reservable: bandRef("b"), UserID: "u1", Window: generic.Window{Start: at(3, 11, 0), End: at(3, 10, 0)}}, "invalid_window", false},
		{"too short", booking.BookRequest{SpaceID: "room-a", Reservable: bandRef("b"), UserID: "u1", Window: window(3, 10, 0, 10, 15)}, "duration_too_short", false},
		{"misaligned", booking.BookRequest{SpaceID: "room-a", Reservable: bandRef("b"), UserID: "u1", Window: window(3, 10, 10, 11, 10)}, "slot_misaligned", false},
		{"in the past", booking.BookRequest{SpaceID: "room-a", Reservable: bandRef("b"), UserID: "u1", Window: window(2, 7, 0, 8, 0)}, "start_in_past", false},
		{"not reservable", booking.BookRequest{SpaceID: "room-a", Reservable: generic.Ref{Kind: generic.KindSale, ID: "s1"}, UserID: "u1", Window: window(3, 10, 0, 11, 0)}, "invalid_reservable", false},
		{"no user", booking.BookRequest{SpaceID: "room-a", Reservable: bandRef("b"), Window: window(3, 10, 0, 11, 0)}, "missing_user", false},
		{"unknown space", booking.BookRequest{SpaceID: "attic", Reservable: bandRef("b"), UserID: "u1", Window: window(3, 10, 0, 11, 0)}, "not_found", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, generic.ErrorCode(err))
			if tc.notFd {
				assert.True(t, generic.IsNotFound(err))
			}
		})
	}
}

func TestBook_TooFarAhead(t *testing.T) {
	f := newFixture(t)
	w := generic.Window{Start: t0.AddDate(0, 0, 91), End: t0.AddDate(0, 0, 91).Add(time.Hour)}
	_, err := book(f, "u1", "room-a", w)
	assert.Equal(t, "too_far_ahead", generic.ErrorCode(err))
}

// =============================================================================
// SETTLEMENT AND STATUS
// =============================================================================

func TestBook_PartialCreditStaysScheduled(t *testing.T) {
	// GIVEN: 2 free hours (4 half-hour blocks)
	// WHEN: Booking a 3-hour session
	// THEN: 2 hours from credits, 1 hour charged, reservation waits for payment

	f := newFixture(t)
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{UserID: "u1", CreditType: generic.CreditFreeHours, Amount: 4, Reason: "monthly"})
	require.NoError(t, err)

	b, err := book(f, "u1", "room-a", window(3, 10, 0, 13, 0))
	require.NoError(t, err)

	assert.Equal(t, generic.ReservationScheduled, b.Reservation.Status)
	assert.Equal(t, generic.ChargePending, b.Charge.Status)
	assert.True(t, b.Charge.Net.Equal(decimal.NewFromInt(15)))
	assert.True(t, b.Reservation.FreeHoursUsed.Equal(decimal.NewFromInt(2)))
	assert.True(t, b.Reservation.HoursUsed().Equal(decimal.NewFromInt(3)))
	assert.Contains(t, f.types(), events.LowBalance)

	stored, err := f.svc.Get(context.Background(), b.Reservation.ID)
	require.NoError(t, err)
	assert.True(t, stored.FreeHoursUsed.Equal(decimal.NewFromInt(2)))
}

func TestBook_FullyCoveredIsConfirmed(t *testing.T) {
	f := newFixture(t)
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{UserID: "u1", CreditType: generic.CreditFreeHours, Amount: 6, Reason: "monthly"})
	require.NoError(t, err)

	b, err := book(f, "u1", "room-a", window(3, 10, 0, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationConfirmed, b.Reservation.Status)
	assert.Equal(t, generic.ChargeCoveredByCredits, b.Charge.Status)
	assert.Equal(t, []events.Type{events.ReservationCreated, events.ChargeSettled}, f.types())
}

func TestBook_NinetyMinutesUsesCreditsOnly(t *testing.T) {
	// GIVEN: 3 free blocks and a 90 minute session
	// WHEN: Booking it
	// THEN: Credits cover it in full; nothing is left to pay in cash

	f := newFixture(t)
	_, err := f.credits.Grant(context.Background(), billing.GrantRequest{UserID: "u1", CreditType: generic.CreditFreeHours, Amount: 3, Reason: "monthly"})
	require.NoError(t, err)

	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 30))
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationConfirmed, b.Reservation.Status)
	assert.True(t, b.Charge.Net.IsZero(), "net %s", b.Charge.Net)
	assert.True(t, b.Reservation.FreeHoursUsed.Equal(decimal.RequireFromString("1.5")))
}

type mockTiers struct{ mock.Mock }

func (m *mockTiers) TierFor(ctx context.Context, userID generic.UserID) (billing.Tier, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(billing.Tier), args.Error(1)
}

func TestBook_SustainingTierRate(t *testing.T) {
	tiers := &mockTiers{}
	tiers.On("TierFor", mock.Anything, generic.UserID("u1")).Return(billing.TierSustaining, nil).Once()

	f := newFixtureWith(t, store.NewMemory(), tiers)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 12, 0))
	require.NoError(t, err)
	assert.True(t, b.Charge.Gross.Equal(decimal.NewFromInt(24)), "2h at the sustaining rate")
	tiers.AssertExpectations(t)
}

func TestBook_TierLookupFailure(t *testing.T) {
	tiers := &mockTiers{}
	tiers.On("TierFor", mock.Anything, mock.Anything).Return(billing.TierStandard, errors.New("reputation service down"))

	f := newFixtureWith(t, store.NewMemory(), tiers)
	_, err := book(f, "u1", "room-a", window(3, 10, 0, 12, 0))
	require.Error(t, err)
	assert.Equal(t, "internal", generic.ErrorCode(err))
}

func TestApplyPayment_ConfirmsReservation(t *testing.T) {
	f := newFixture(t)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)
	require.Equal(t, generic.ReservationScheduled, b.Reservation.Status)

	charge, err := f.svc.ApplyPayment(context.Background(), billing.PaymentSignal{
		ChargeID: b.Charge.ID, Outcome: billing.PaymentPaid, Method: "card", ExternalRef: "pi_123",
	})
	require.NoError(t, err)
	assert.Equal(t, generic.ChargePaid, charge.Status)

	r, err := f.svc.Get(context.Background(), b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationConfirmed, r.Status)
	assert.Contains(t, f.types(), events.ReservationConfirmed)
}

func TestApplyPayment_FailedKeepsScheduled(t *testing.T) {
	f := newFixture(t)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)

	charge, err := f.svc.ApplyPayment(context.Background(), billing.PaymentSignal{
		ChargeID: b.Charge.ID, Outcome: billing.PaymentFailed, Reason: "card declined",
	})
	require.NoError(t, err)
	assert.Equal(t, generic.ChargePending, charge.Status)

	r, err := f.svc.Get(context.Background(), b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationScheduled, r.Status)
}

func TestApplyPayment_RefundCancels(t *testing.T) {
	f := newFixture(t)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)
	_, err = f.svc.ApplyPayment(context.Background(), billing.PaymentSignal{ChargeID: b.Charge.ID, Outcome: billing.PaymentPaid, Method: "card"})
	require.NoError(t, err)

	_, err = f.svc.ApplyPayment(context.Background(), billing.PaymentSignal{ChargeID: b.Charge.ID, Outcome: billing.PaymentRefunded, Reason: "chargeback"})
	require.NoError(t, err)

	r, err := f.svc.Get(context.Background(), b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationCancelled, r.Status)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_RefundsCredits(t *testing.T) {
	// GIVEN: A booking paid partly with free hours
	// WHEN: The owner cancels
	// THEN: The charge is refunded and the hours come back

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, billing.GrantRequest{UserID: "u1", CreditType: generic.CreditFreeHours, Amount: 4, Reason: "monthly"})
	require.NoError(t, err)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 13, 0))
	require.NoError(t, err)

	r, err := f.svc.Cancel(ctx, b.Reservation.ID, "band on tour")
	require.NoError(t, err)
	assert.Equal(t, generic.ReservationCancelled, r.Status)
	assert.Equal(t, "band on tour", r.CancelReason)
	require.NotNil(t, r.CancelledAt)

	charge, err := f.svc.Charge(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ChargeRefunded, charge.Status)

	bals, err := f.credits.Balances(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.Equal(t, int64(4), bals[0].Balance)
	assert.NoError(t, f.credits.Verify(ctx, "u1"))
	assert.Contains(t, f.types(), events.ReservationCancelled)
}

func TestCancel_Twice(t *testing.T) {
	f := newFixture(t)
	b, err := book(f, "u1", "room-a", window(3, 10, 0, 11, 0))
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), b.Reservation.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), b.Reservation.ID, "")
	assert.Equal(t, "already_cancelled", generic.ErrorCode(err))
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), "res_missing", "")
	assert.True(t, generic.IsNotFound(err))
}
