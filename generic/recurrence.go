/*
recurrence.go - Structured recurrence rules

PURPOSE:
  A RecurrenceRule is a value: frequency, interval, weekday set, and an
  optional count or until bound. Occurrences is a pure function of the rule
  and the series start date, so expanding the same rule twice always yields
  the same dates.

TERMINATION:
  Count and Until bound the rule itself. Callers pass a "through" date
  (the generation horizon) but the rule never yields a date past its own
  termination, whatever the horizon.

TEXT FORM:
  FREQ=WEEKLY;INTERVAL=1;BYDAY=TU,TH;COUNT=4;UNTIL=2026-12-31

SEE ALSO:
  - booking/series.go: Materializes occurrences as reservations
*/
package generic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type RuleFrequency string

const (
	RuleDaily  RuleFrequency = "daily"
	RuleWeekly RuleFrequency = "weekly"
)

// RecurrenceRule describes which calendar days a series occurs on.
type RecurrenceRule struct {
	Frequency RuleFrequency  `json:"frequency"`
	Interval  int            `json:"interval,omitempty"` // every N days/weeks, 0 means 1
	Weekdays  []time.Weekday `json:"weekdays,omitempty"` // weekly only; empty means the start date's weekday
	Count     *int           `json:"count,omitempty"`
	Until     *Date          `json:"until,omitempty"`
}

// Validate checks the rule is well formed.
func (r RecurrenceRule) Validate() error {
	switch r.Frequency {
	case RuleDaily, RuleWeekly:
	default:
		return &ValidationError{Code: "invalid_rule", Field: "frequency", Message: fmt.Sprintf("unsupported frequency %q", r.Frequency)}
	}
	if r.Interval < 0 {
		return &ValidationError{Code: "invalid_rule", Field: "interval", Message: "interval must be positive"}
	}
	if r.Count != nil && *r.Count <= 0 {
		return &ValidationError{Code: "invalid_rule", Field: "count", Message: "count must be positive"}
	}
	if r.Frequency == RuleDaily && len(r.Weekdays) > 0 {
		return &ValidationError{Code: "invalid_rule", Field: "weekdays", Message: "weekdays apply to weekly rules only"}
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return &ValidationError{Code: "invalid_rule", Field: "weekdays", Message: fmt.Sprintf("invalid weekday %d", wd)}
		}
	}
	return nil
}

func (r RecurrenceRule) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

func (r RecurrenceRule) weekdaySet(start Date) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(r.Weekdays))
	for _, wd := range r.Weekdays {
		set[wd] = true
	}
	if len(set) == 0 {
		set[start.Weekday()] = true
	}
	return set
}

// Occurrences returns every occurrence date in [start, through], in order,
// honoring Count and Until.
func (r RecurrenceRule) Occurrences(start, through Date) []Date {
	end := through
	if r.Until != nil && r.Until.Before(end) {
		end = *r.Until
	}
	days := r.weekdaySet(start)
	// weeks are counted from the Monday on or before start
	anchor := start.AddDays(-((int(start.Weekday()) + 6) % 7))

	var out []Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		if r.Count != nil && len(out) >= *r.Count {
			break
		}
		if r.matches(start, anchor, days, d) {
			out = append(out, d)
		}
	}
	return out
}

func (r RecurrenceRule) matches(start, anchor Date, days map[time.Weekday]bool, d Date) bool {
	switch r.Frequency {
	case RuleDaily:
		return start.DaysUntil(d)%r.interval() == 0
	case RuleWeekly:
		if !days[d.Weekday()] {
			return false
		}
		return (anchor.DaysUntil(d)/7)%r.interval() == 0
	}
	return false
}

// IsBounded reports whether the rule terminates on its own.
func (r RecurrenceRule) IsBounded() bool { return r.Count != nil || r.Until != nil }

// Exhausted reports whether the rule has no occurrence after the given day.
// Unbounded rules are never exhausted.
func (r RecurrenceRule) Exhausted(start, after Date) bool {
	if r.Until != nil && !r.Until.After(after) {
		return true
	}
	if r.Count == nil {
		return false
	}
	occ := r.Occurrences(start, after)
	return len(occ) >= *r.Count
}

var weekdayCodes = map[time.Weekday]string{
	time.Sunday: "SU", time.Monday: "MO", time.Tuesday: "TU", time.Wednesday: "WE",
	time.Thursday: "TH", time.Friday: "FR", time.Saturday: "SA",
}

// String renders the rule in its text form.
func (r RecurrenceRule) String() string {
	parts := []string{"FREQ=" + strings.ToUpper(string(r.Frequency))}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.Weekdays) > 0 {
		wds := append([]time.Weekday(nil), r.Weekdays...)
		sort.Slice(wds, func(i, j int) bool { return wds[i] < wds[j] })
		codes := make([]string, len(wds))
		for i, wd := range wds {
			codes[i] = weekdayCodes[wd]
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.Count != nil {
		parts = append(parts, "COUNT="+strconv.Itoa(*r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.String())
	}
	return strings.Join(parts, ";")
}

// ParseRecurrenceRule parses the text form produced by String.
func ParseRecurrenceRule(s string) (RecurrenceRule, error) {
	var r RecurrenceRule
	invalid := func(field, msg string) (RecurrenceRule, error) {
		return RecurrenceRule{}, &ValidationError{Code: "invalid_rule", Field: field, Message: msg}
	}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return invalid("rule", fmt.Sprintf("malformed part %q", part))
		}
		switch strings.ToUpper(key) {
		case "FREQ":
			r.Frequency = RuleFrequency(strings.ToLower(val))
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil {
				return invalid("interval", fmt.Sprintf("interval %q is not a number", val))
			}
			r.Interval = n
		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				wd, found := weekdayFromCode(code)
				if !found {
					return invalid("weekdays", fmt.Sprintf("unknown weekday %q", code))
				}
				r.Weekdays = append(r.Weekdays, wd)
			}
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil {
				return invalid("count", fmt.Sprintf("count %q is not a number", val))
			}
			r.Count = &n
		case "UNTIL":
			d, err := ParseDate(val)
			if err != nil {
				return invalid("until", fmt.Sprintf("until %q is not YYYY-MM-DD", val))
			}
			r.Until = &d
		default:
			return invalid("rule", fmt.Sprintf("unknown key %q", key))
		}
	}
	return r, r.Validate()
}

func weekdayFromCode(code string) (time.Weekday, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for wd, c := range weekdayCodes {
		if c == code {
			return wd, true
		}
	}
	return 0, false
}
