package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/generic"
)

func date(t *testing.T, s string) generic.Date {
	t.Helper()
	d, err := generic.ParseDate(s)
	require.NoError(t, err)
	return d
}

func dates(ds []generic.Date) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func intp(n int) *int { return &n }

func TestOccurrences(t *testing.T) {
	// 2026-03-03 is a Tuesday.
	start := date(t, "2026-03-03")
	until := date(t, "2026-03-17")

	tests := []struct {
		name    string
		rule    generic.RecurrenceRule
		through string
		want    []string
	}{
		{
			name:    "weekly defaults to the start weekday",
			rule:    generic.RecurrenceRule{Frequency: generic.RuleWeekly},
			through: "2026-03-24",
			want:    []string{"2026-03-03", "2026-03-10", "2026-03-17", "2026-03-24"},
		},
		{
			name:    "count stops before the horizon",
			rule:    generic.RecurrenceRule{Frequency: generic.RuleWeekly, Count: intp(2)},
			through: "2026-04-30",
			want:    []string{"2026-03-03", "2026-03-10"},
		},
		{
			name:    "until stops before the horizon",
			rule:    generic.RecurrenceRule{Frequency: generic.RuleWeekly, Until: &until},
			through: "2026-04-30",
			want:    []string{"2026-03-03", "2026-03-10", "2026-03-17"},
		},
		{
			name:    "horizon stops an unbounded rule",
			rule:    generic.RecurrenceRule{Frequency: generic.RuleDaily, Interval: 2},
			through: "2026-03-09",
			want:    []string{"2026-03-03", "2026-03-05", "2026-03-07", "2026-03-09"},
		},
		{
			name:    "several weekdays every other week",
			rule:    generic.RecurrenceRule{Frequency: generic.RuleWeekly, Interval: 2, Weekdays: []time.Weekday{time.Tuesday, time.Thursday}},
			through: "2026-03-20",
			want:    []string{"2026-03-03", "2026-03-05", "2026-03-17", "2026-03-19"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Occurrences(start, date(t, tt.through))
			assert.Equal(t, tt.want, dates(got))
		})
	}
}

func TestExhausted(t *testing.T) {
	start := date(t, "2026-03-03")

	count := generic.RecurrenceRule{Frequency: generic.RuleWeekly, Count: intp(2)}
	assert.False(t, count.Exhausted(start, date(t, "2026-03-03")))
	assert.True(t, count.Exhausted(start, date(t, "2026-03-10")))

	open := generic.RecurrenceRule{Frequency: generic.RuleWeekly}
	assert.False(t, open.Exhausted(start, date(t, "2030-01-01")))
	assert.False(t, open.IsBounded())
}

func TestParseRecurrenceRule(t *testing.T) {
	r, err := generic.ParseRecurrenceRule("FREQ=WEEKLY;INTERVAL=2;BYDAY=TH,TU;COUNT=6")
	require.NoError(t, err)
	assert.Equal(t, generic.RuleWeekly, r.Frequency)
	assert.Equal(t, 2, r.Interval)
	assert.ElementsMatch(t, []time.Weekday{time.Tuesday, time.Thursday}, r.Weekdays)
	require.NotNil(t, r.Count)
	assert.Equal(t, 6, *r.Count)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH;COUNT=6", r.String())

	r, err = generic.ParseRecurrenceRule("FREQ=DAILY;UNTIL=2026-04-01")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;UNTIL=2026-04-01", r.String())
}

func TestParseRecurrenceRule_Rejects(t *testing.T) {
	for _, s := range []string{
		"FREQ=HOURLY",
		"FREQ=WEEKLY;BYDAY=XX",
		"FREQ=WEEKLY;COUNT=many",
		"FREQ=DAILY;BYDAY=MO",
		"FREQ=WEEKLY;UNTIL=next-week",
		"FREQ",
		"FREQ=WEEKLY;COLOR=red",
	} {
		t.Run(s, func(t *testing.T) {
			_, err := generic.ParseRecurrenceRule(s)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}
