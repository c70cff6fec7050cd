package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/rehearsal-engine/generic"
)

// Space is a bookable room.
type Space struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Catalog is the set of configured spaces.
type Catalog struct {
	spaces map[string]Space
}

func NewCatalog(spaces ...Space) *Catalog {
	c := &Catalog{spaces: make(map[string]Space, len(spaces))}
	for _, s := range spaces {
		c.spaces[s.ID] = s
	}
	return c
}

func (c *Catalog) Space(id string) (Space, error) {
	s, ok := c.spaces[id]
	if !ok {
		return Space{}, generic.NotFound("space", id)
	}
	return s, nil
}

// Spaces lists every space ordered by id.
func (c *Catalog) Spaces() []Space {
	out := make([]Space, 0, len(c.spaces))
	for _, s := range c.spaces {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadResource resolves spaces by id, so the catalog can back a
// generic.ResolverRegistry entry.
func (c *Catalog) LoadResource(_ context.Context, kind generic.ResourceKind, id string) (generic.Resource, error) {
	s, err := c.Space(id)
	if err != nil {
		return generic.Resource{}, err
	}
	return generic.Resource{Ref: generic.Ref{Kind: kind, ID: s.ID}, Name: s.Name}, nil
}

// Rules are the booking constraints every window must satisfy.
type Rules struct {
	MinDuration    time.Duration
	MaxDuration    time.Duration
	SlotMinutes    int // starts and ends fall on multiples of this; 0 = any minute
	MaxAdvanceDays int // 0 = unlimited
}

func DefaultRules() Rules {
	return Rules{MinDuration: 30 * time.Minute, MaxDuration: 8 * time.Hour, SlotMinutes: 30, MaxAdvanceDays: 90}
}

// ValidateShape checks duration and slot alignment.
func (r Rules) ValidateShape(w generic.Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	d := w.Duration()
	if r.MinDuration > 0 && d < r.MinDuration {
		return &generic.ValidationError{Code: "duration_too_short", Field: "window", Message: fmt.Sprintf("bookings must be at least %s", r.MinDuration)}
	}
	if r.MaxDuration > 0 && d > r.MaxDuration {
		return &generic.ValidationError{Code: "duration_too_long", Field: "window", Message: fmt.Sprintf("bookings may be at most %s", r.MaxDuration)}
	}
	if r.SlotMinutes > 0 {
		slot := time.Duration(r.SlotMinutes) * time.Minute
		if !aligned(w.Start, slot) || !aligned(w.End, slot) {
			return &generic.ValidationError{Code: "slot_misaligned", Field: "window", Message: fmt.Sprintf("start and end must fall on %d-minute boundaries", r.SlotMinutes)}
		}
	}
	return nil
}

// ValidateTiming checks a one-off booking against now.
func (r Rules) ValidateTiming(w generic.Window, now time.Time) error {
	if w.Start.Before(now) {
		return &generic.ValidationError{Code: "start_in_past", Field: "start", Message: "booking must start in the future"}
	}
	if r.MaxAdvanceDays > 0 && w.Start.After(now.AddDate(0, 0, r.MaxAdvanceDays)) {
		return &generic.ValidationError{Code: "too_far_ahead", Field: "start", Message: fmt.Sprintf("bookings open %d days ahead", r.MaxAdvanceDays)}
	}
	return nil
}

func aligned(t time.Time, slot time.Duration) bool {
	minutes := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return t.Second() == 0 && t.Nanosecond() == 0 && minutes%slot == 0
}
