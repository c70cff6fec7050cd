package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/generic"
)

// claimList is a ClaimSource that returns every claim for the key,
// overlapping or not.
type claimList []generic.Claim

func (c claimList) OverlappingClaims(_ context.Context, key generic.ResourceKey, _ generic.Window) ([]generic.Claim, error) {
	var out []generic.Claim
	for _, cl := range c {
		if cl.Key == key {
			out = append(out, cl)
		}
	}
	return out, nil
}

func hours(from, to int) generic.Window {
	return generic.Window{
		Start: time.Date(2026, 3, 3, from, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 3, to, 0, 0, 0, time.UTC),
	}
}

func TestWindow_HalfOpenOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b generic.Window
		want bool
	}{
		{"identical", hours(10, 11), hours(10, 11), true},
		{"partial", hours(10, 11), hours(10, 12), true},
		{"contained", hours(9, 13), hours(10, 11), true},
		{"back to back", hours(10, 11), hours(11, 12), false},
		{"disjoint", hours(10, 11), hours(13, 14), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestWindow_Validate(t *testing.T) {
	_, err := generic.NewWindow(hours(11, 12).Start, hours(10, 11).Start)
	assert.Equal(t, "invalid_window", generic.ErrorCode(err))

	_, err = generic.NewWindow(time.Time{}, hours(10, 11).End)
	assert.Equal(t, "invalid_window", generic.ErrorCode(err))

	w, err := generic.NewWindow(hours(10, 12).Start, hours(10, 12).End)
	require.NoError(t, err)
	assert.Equal(t, "2", w.Hours().String())
}

func TestConflictDetector_ReportsEarliestClaim(t *testing.T) {
	// GIVEN: Two claims on room-a and one on an amp with the same id
	// WHEN: A window overlapping both room claims is checked
	// THEN: The earliest room claim is reported

	room := generic.SpaceKey("room-a")
	d := generic.NewConflictDetector(claimList{
		{ID: "r2", Key: room, Window: hours(12, 13)},
		{ID: "r1", Key: room, Window: hours(10, 11)},
		{ID: "l1", Key: generic.EquipmentKey("room-a"), Window: hours(9, 14)},
	})

	err := d.Check(context.Background(), room, hours(10, 13), "")
	var ce *generic.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "r1", ce.ExistingID)
	assert.Equal(t, hours(10, 11), ce.Existing)
	assert.Equal(t, room, ce.Key)
}

func TestConflictDetector_IgnoresOwnClaimAndNonOverlaps(t *testing.T) {
	amp := generic.EquipmentKey("amp-1")
	d := generic.NewConflictDetector(claimList{
		{ID: "l1", Key: amp, Window: hours(10, 12)},
		{ID: "l2", Key: amp, Window: hours(14, 16)},
	})
	ctx := context.Background()

	assert.NoError(t, d.Check(ctx, amp, hours(10, 13), "l1"), "a loan may extend over itself")
	assert.NoError(t, d.Check(ctx, amp, hours(12, 14), ""), "back to back on both sides")
	assert.ErrorIs(t, d.Check(ctx, amp, hours(11, 15), "l1"), generic.ErrConflict)
}
