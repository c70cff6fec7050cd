/*
conflict.go - Double-booking guard

PURPOSE:
  Given a resource key and a candidate window, reject the window if any
  active claim on the same key overlaps it. Cancelled reservations and
  returned or cancelled loans are never returned by a ClaimSource, so they
  never conflict.

ATOMICITY:
  Check must run on the same Tx that performs the insert. The Store
  serializes write transactions, so the check-then-insert pair is atomic:
  the loser of a race observes the winner's row and gets a ConflictError.

SEE ALSO:
  - period.go: Overlap test
  - booking/service.go, equipment/service.go: Callers
*/
package generic

import (
	"context"
	"fmt"
	"sort"
)

// ConflictDetector checks candidate windows against active claims.
type ConflictDetector struct {
	claims ClaimSource
}

func NewConflictDetector(claims ClaimSource) *ConflictDetector {
	return &ConflictDetector{claims: claims}
}

// Check returns a *ConflictError naming the earliest overlapping claim.
// The claim whose ID equals ignoreID is skipped, which lets a loan extend
// its own window.
func (d *ConflictDetector) Check(ctx context.Context, key ResourceKey, w Window, ignoreID string) error {
	if err := w.Validate(); err != nil {
		return err
	}
	claims, err := d.claims.OverlappingClaims(ctx, key, w)
	if err != nil {
		return fmt.Errorf("load claims for %s: %w", key, err)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Window.Start.Before(claims[j].Window.Start) })
	for _, c := range claims {
		if c.ID == ignoreID {
			continue
		}
		// the source filters by overlap already; re-test so a loose query
		// never produces a false conflict
		if !c.Window.Overlaps(w) {
			continue
		}
		return &ConflictError{Key: key, Requested: w, ExistingID: c.ID, Existing: c.Window}
	}
	return nil
}
