/*
period.go - Half-open time windows

PURPOSE:
  A Window is the [Start, End) interval a reservation or loan occupies.
  Two windows overlap iff a.Start < b.End AND b.Start < a.End, so a booking
  ending at 11:00 and one starting at 11:00 do not collide.

SEE ALSO:
  - conflict.go: Uses Overlaps to reject double-booking
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow builds and validates a window.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end}
	return w, w.Validate()
}

// Validate requires Start < End.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return &ValidationError{Code: "invalid_window", Field: "window", Message: "start and end are required"}
	}
	if !w.Start.Before(w.End) {
		return &ValidationError{
			Code:    "invalid_window",
			Field:   "window",
			Message: fmt.Sprintf("start %s must be before end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)),
		}
	}
	return nil
}

// Overlaps is the half-open intersection test.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Hours is the duration in hours as an exact decimal of minutes / 60.
func (w Window) Hours() decimal.Decimal {
	minutes := decimal.NewFromInt(int64(w.Duration() / time.Minute))
	return minutes.Div(decimal.NewFromInt(60))
}

// UTC returns the window with both ends in UTC.
func (w Window) UTC() Window { return Window{Start: w.Start.UTC(), End: w.End.UTC()} }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
