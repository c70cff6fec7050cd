/*
series.go - Recurring series definitions

PURPOSE:
  Converts a series definition, as posted to the API or listed in a seed
  file, into a booking.SeriesRequest. The recurrence is an RRULE-style
  string so it round-trips through generic.RecurrenceRule.String().

SCHEMA:
  {
    "owner_id": "u-42",
    "reservable": {"kind": "band", "id": "band-7"},
    "space_id": "room-a",
    "rule": "FREQ=WEEKLY;BYDAY=TU,TH;COUNT=8",
    "start_time": "19:00",
    "end_time": "21:00",
    "location": "America/Chicago",
    "start_date": "2026-03-03",
    "end_date": "2026-06-30",
    "max_advance_days": 28
  }
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/generic"
)

// SeriesJSON is the JSON representation of a recurring series.
type SeriesJSON struct {
	OwnerID        string  `json:"owner_id" yaml:"owner_id"`
	Reservable     RefJSON `json:"reservable" yaml:"reservable"`
	SpaceID        string  `json:"space_id" yaml:"space_id"`
	Rule           string  `json:"rule" yaml:"rule"`
	StartTime      string  `json:"start_time" yaml:"start_time"`
	EndTime        string  `json:"end_time" yaml:"end_time"`
	Location       string  `json:"location,omitempty" yaml:"location"`
	StartDate      string  `json:"start_date" yaml:"start_date"`
	EndDate        string  `json:"end_date,omitempty" yaml:"end_date"`
	MaxAdvanceDays int     `json:"max_advance_days,omitempty" yaml:"max_advance_days"`
	Notes          string  `json:"notes,omitempty" yaml:"notes"`
}

// RefJSON is a polymorphic reference: a kind tag plus an id.
type RefJSON struct {
	Kind string `json:"kind" yaml:"kind"`
	ID   string `json:"id" yaml:"id"`
}

// ParseRef resolves the kind tag to a reservable or chargeable kind.
func (r RefJSON) ParseRef() (generic.Ref, error) {
	kind, err := generic.ParseResourceKind(r.Kind)
	if err != nil {
		return generic.Ref{}, err
	}
	if r.ID == "" {
		return generic.Ref{}, &generic.ValidationError{Code: "invalid_reference", Field: "id", Message: "reference id is required"}
	}
	return generic.Ref{Kind: kind, ID: r.ID}, nil
}

// ParseSeries parses a JSON series definition.
func ParseSeries(jsonStr string) (booking.SeriesRequest, error) {
	var sj SeriesJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return booking.SeriesRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return BuildSeries(sj)
}

// BuildSeries converts sj, checking every field it can without a store.
func BuildSeries(sj SeriesJSON) (booking.SeriesRequest, error) {
	var req booking.SeriesRequest

	if sj.OwnerID == "" {
		return req, &generic.ValidationError{Code: "missing_user", Field: "owner_id", Message: "owner is required"}
	}
	reservable, err := sj.Reservable.ParseRef()
	if err != nil {
		return req, err
	}
	rule, err := generic.ParseRecurrenceRule(sj.Rule)
	if err != nil {
		return req, err
	}
	start, err := generic.ParseTimeOfDay(sj.StartTime)
	if err != nil {
		return req, err
	}
	end, err := generic.ParseTimeOfDay(sj.EndTime)
	if err != nil {
		return req, err
	}
	if sj.Location != "" {
		if _, err := time.LoadLocation(sj.Location); err != nil {
			return req, &generic.ValidationError{Code: "invalid_location", Field: "location", Message: fmt.Sprintf("unknown time zone %q", sj.Location)}
		}
	}
	startDate, err := generic.ParseDate(sj.StartDate)
	if err != nil {
		return req, err
	}

	req = booking.SeriesRequest{
		OwnerID:        generic.UserID(sj.OwnerID),
		Reservable:     reservable,
		SpaceID:        sj.SpaceID,
		Rule:           rule,
		StartTime:      start,
		EndTime:        end,
		Location:       sj.Location,
		StartDate:      startDate,
		MaxAdvanceDays: sj.MaxAdvanceDays,
		Notes:          sj.Notes,
	}
	if sj.EndDate != "" {
		endDate, err := generic.ParseDate(sj.EndDate)
		if err != nil {
			return req, err
		}
		if endDate.Before(startDate) {
			return req, &generic.ValidationError{Code: "invalid_end_date", Field: "end_date", Message: "end date precedes start date"}
		}
		req.EndDate = &endDate
	}
	return req, nil
}
