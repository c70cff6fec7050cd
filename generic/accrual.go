package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// ALLOCATION FREQUENCY - How often a CreditAllocation grants
// =============================================================================

type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqBiweekly Frequency = "biweekly"
	FreqMonthly  Frequency = "monthly"
	FreqYearly   Frequency = "yearly"
)

// ParseFrequency validates a frequency name.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	switch f {
	case FreqDaily, FreqWeekly, FreqBiweekly, FreqMonthly, FreqYearly:
		return f, nil
	}
	return "", &ValidationError{Code: "invalid_frequency", Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", s)}
}

// Next returns the start of the period after the one starting at t.
func (f Frequency) Next(t time.Time) time.Time {
	switch f {
	case FreqDaily:
		return t.AddDate(0, 0, 1)
	case FreqWeekly:
		return t.AddDate(0, 0, 7)
	case FreqBiweekly:
		return t.AddDate(0, 0, 14)
	case FreqYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// AdvancePast steps from due until the result is after now. It returns the
// new due time and how many periods were stepped over.
func (f Frequency) AdvancePast(due, now time.Time) (time.Time, int) {
	steps := 0
	next := due
	for !next.After(now) {
		next = f.Next(next)
		steps++
	}
	return next, steps
}
