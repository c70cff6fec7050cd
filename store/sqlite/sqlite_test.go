package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/store/sqlite"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func reservation(id string, from, to time.Time) generic.Reservation {
	return generic.Reservation{
		ID:            id,
		SpaceID:       "room-a",
		Reservable:    generic.Ref{Kind: generic.KindBand, ID: "club"},
		UserID:        "lee",
		Window:        generic.Window{Start: from, End: to},
		Status:        generic.ReservationScheduled,
		FreeHoursUsed: decimal.Zero,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func series(t *testing.T, id string) generic.RecurringSeries {
	t.Helper()
	rule, err := generic.ParseRecurrenceRule("FREQ=WEEKLY;COUNT=4")
	require.NoError(t, err)
	start, err := generic.ParseDate("2026-03-03")
	require.NoError(t, err)
	return generic.RecurringSeries{
		ID:             id,
		OwnerID:        "lee",
		Reservable:     generic.Ref{Kind: generic.KindBand, ID: "club"},
		SpaceID:        "room-a",
		Rule:           rule,
		StartTime:      19 * 60,
		EndTime:        21 * 60,
		Location:       "America/New_York",
		StartDate:      start,
		MaxAdvanceDays: 28,
		Status:         generic.SeriesActive,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func TestStore_ReservationRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := reservation("res_1", t0.Add(time.Hour), t0.Add(3*time.Hour))
	r.FreeHoursUsed = decimal.RequireFromString("1.5")
	r.Notes = "bring cables"
	require.NoError(t, st.InsertReservation(ctx, r))

	got, err := st.GetReservation(ctx, "res_1")
	require.NoError(t, err)
	assert.True(t, r.Window.Start.Equal(got.Window.Start))
	assert.True(t, r.Window.End.Equal(got.Window.End))
	assert.Equal(t, "1.5", got.FreeHoursUsed.String())
	assert.Equal(t, "bring cables", got.Notes)
	assert.True(t, got.InstanceDate.IsZero())
	assert.Nil(t, got.CancelledAt)

	_, err = st.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_OverlappingClaimsHalfOpen(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertReservation(ctx, reservation("res_1", t0, t0.Add(time.Hour))))

	cancelled := reservation("res_2", t0, t0.Add(time.Hour))
	cancelled.Status = generic.ReservationCancelled
	require.NoError(t, st.InsertReservation(ctx, cancelled))

	tests := []struct {
		name     string
		from, to time.Time
		want     int
	}{
		{"same window", t0, t0.Add(time.Hour), 1},
		{"overlaps end", t0.Add(30 * time.Minute), t0.Add(90 * time.Minute), 1},
		{"back to back", t0.Add(time.Hour), t0.Add(2 * time.Hour), 0},
		{"ends at start", t0.Add(-time.Hour), t0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := st.OverlappingClaims(ctx, generic.SpaceKey("room-a"), generic.Window{Start: tt.from, End: tt.to})
			require.NoError(t, err)
			assert.Len(t, claims, tt.want)
		})
	}
}

func TestStore_SeriesInstanceIsUnique(t *testing.T) {
	// GIVEN: A series with one materialized instance
	// WHEN: The same instance date is inserted again
	// THEN: The write fails with ErrDuplicate

	st := newStore(t)
	ctx := context.Background()
	rs := series(t, "ser_1")
	require.NoError(t, st.InsertSeries(ctx, rs))

	first := reservation("res_1", t0.Add(24*time.Hour), t0.Add(26*time.Hour))
	first.SeriesID = rs.ID
	first.InstanceDate = rs.StartDate
	require.NoError(t, st.InsertReservation(ctx, first))

	again := first
	again.ID = "res_2"
	err := st.InsertReservation(ctx, again)
	assert.ErrorIs(t, err, generic.ErrDuplicate)

	got, err := st.GetSeries(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", got.Rule.String())
	assert.Equal(t, "America/New_York", got.Location)
	assert.Nil(t, got.EndDate)
	assert.Equal(t, rs.StartTime, got.StartTime)
}

func TestStore_RecordSkipUpserts(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	rs := series(t, "ser_1")
	require.NoError(t, st.InsertSeries(ctx, rs))

	skip := generic.SeriesSkip{
		SeriesID:     rs.ID,
		InstanceDate: rs.StartDate.AddDays(14),
		Reason:       "conflict",
		ConflictWith: "res_9",
		Window:       generic.Window{Start: t0, End: t0.Add(time.Hour)},
		RecordedAt:   t0,
	}
	require.NoError(t, st.RecordSkip(ctx, skip))
	skip.RecordedAt = t0.Add(time.Hour)
	require.NoError(t, st.RecordSkip(ctx, skip))

	skips, err := st.SeriesSkips(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, "res_9", skips[0].ConflictWith)
	assert.True(t, skips[0].RecordedAt.Equal(t0.Add(time.Hour)))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.InsertReservation(ctx, reservation("res_1", t0, t0.Add(time.Hour))); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.GetReservation(ctx, "res_1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_Reset(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertSeries(ctx, series(t, "ser_1")))
	require.NoError(t, st.InsertReservation(ctx, reservation("res_1", t0, t0.Add(time.Hour))))

	require.NoError(t, st.Reset(ctx))

	_, err := st.GetSeries(ctx, "ser_1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	active, err := st.ListSeries(ctx, generic.SeriesActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}
