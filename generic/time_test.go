package generic_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/generic"
)

func TestDate_Arithmetic(t *testing.T) {
	d := date(t, "2026-02-27")
	assert.Equal(t, "2026-03-02", d.AddDays(3).String())
	assert.Equal(t, 3, d.DaysUntil(d.AddDays(3)))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
	assert.Equal(t, 0, d.Compare(date(t, "2026-02-27")))
	assert.Equal(t, time.Friday, d.Weekday())
}

func TestDate_JSON(t *testing.T) {
	var v struct {
		On generic.Date `json:"on"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"on":"2026-03-17"}`), &v))
	assert.Equal(t, "2026-03-17", v.On.String())

	assert.Error(t, json.Unmarshal([]byte(`{"on":"17/03/2026"}`), &v))
}

func TestTimeOfDay_OnRespectsZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	tod, err := generic.ParseTimeOfDay("19:30")
	require.NoError(t, err)
	assert.Equal(t, "19:30", tod.String())

	// Before and after the 2026-03-08 DST change the UTC hour moves.
	winter := tod.On(date(t, "2026-03-03"), loc).UTC()
	summer := tod.On(date(t, "2026-03-10"), loc).UTC()
	assert.Equal(t, 0, winter.Hour())
	assert.Equal(t, 23, summer.Hour())

	_, err = generic.ParseTimeOfDay("25:00")
	assert.Equal(t, "invalid_time_of_day", generic.ErrorCode(err))
}

func TestFrequency_AdvancePast(t *testing.T) {
	due := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	next, steps := generic.FreqWeekly.AdvancePast(due, now)
	assert.True(t, next.After(now))
	assert.Equal(t, 7, steps)

	_, err := generic.ParseFrequency("hourly")
	assert.Equal(t, "invalid_frequency", generic.ErrorCode(err))
}

func TestFixedClock(t *testing.T) {
	c := generic.NewFixedClock(t0)
	c.Advance(time.Hour)
	assert.Equal(t, t0.Add(time.Hour), c.Now())
	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}
