/*
events.go - Outbound domain events

PURPOSE:
  The core does not format or deliver notifications. It emits events and
  an external notifier consumes them. Services publish after their
  transaction commits; a failed publish is logged and never rolls back
  the state change.

PUBLISHERS:
  Bus:            In-process fan-out to subscribed handlers
  RedisPublisher: PUBLISH on "<prefix>:<event type>" for out-of-process consumers
  Multi:          Sends to several publishers
  Nop:            Drops everything

SEE ALSO:
  - booking/service.go, equipment/service.go: Producers
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/generic"
)

type Type string

const (
	ReservationCreated      Type = "reservation_created"
	ReservationConfirmed    Type = "reservation_confirmed"
	ReservationCancelled    Type = "reservation_cancelled"
	SeriesOccurrenceSkipped Type = "series_occurrence_skipped"
	ChargeSettled           Type = "charge_settled"
	LoanTransitioned        Type = "loan_transitioned"
	LoanOverdue             Type = "loan_overdue"
	LowBalance              Type = "low_balance"
)

// Event is one emitted fact. Payload is JSON.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Subject    string          `json:"subject"`
	UserID     generic.UserID  `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New builds an event with payload encoded as JSON.
func New(t Type, subject string, userID generic.UserID, payload any, at time.Time) (Event, error) {
	e := Event{ID: generic.NewID("evt"), Type: t, Subject: subject, UserID: userID, OccurredAt: at}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		e.Payload = raw
	}
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error { return json.Unmarshal(e.Payload, v) }

// =============================================================================
// PAYLOADS
// =============================================================================

type ReservationPayload struct {
	ReservationID string                    `json:"reservation_id"`
	SpaceID       string                    `json:"space_id"`
	Reservable    generic.Ref               `json:"reservable"`
	Window        generic.Window            `json:"window"`
	Status        generic.ReservationStatus `json:"status"`
	SeriesID      string                    `json:"series_id,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
}

type SkipPayload struct {
	SeriesID     string         `json:"series_id"`
	InstanceDate generic.Date   `json:"instance_date"`
	Window       generic.Window `json:"window"`
	ConflictWith string         `json:"conflict_with"`
}

type ChargePayload struct {
	ChargeID   string               `json:"charge_id"`
	Chargeable generic.Ref          `json:"chargeable"`
	Status     generic.ChargeStatus `json:"status"`
	Net        string               `json:"net"`
	Currency   string               `json:"currency"`
}

type LoanPayload struct {
	LoanID      string             `json:"loan_id"`
	EquipmentID string             `json:"equipment_id"`
	State       generic.LoanStatus `json:"state"`
	DueAt       time.Time          `json:"due_at"`
}

type LowBalancePayload struct {
	CreditType generic.CreditType `json:"credit_type"`
	Balance    int64              `json:"balance"`
	Threshold  int64              `json:"threshold"`
}

// =============================================================================
// PUBLISHERS
// =============================================================================

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler reacts to an event.
type Handler func(ctx context.Context, e Event) error

// Bus provides in-process pub/sub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler
	all         []Handler
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish runs the handlers synchronously and joins their errors.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subscribers[e.Type]...), b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi publishes to each publisher in turn.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emitter builds and publishes events, logging failures instead of
// returning them.
type Emitter struct {
	pub   Publisher
	clock generic.Clock
	log   zerolog.Logger
}

func NewEmitter(pub Publisher, clock generic.Clock, logger *zerolog.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Emitter{pub: pub, clock: clock, log: l}
}

func (em *Emitter) Emit(ctx context.Context, t Type, subject string, userID generic.UserID, payload any) {
	e, err := New(t, subject, userID, payload, em.clock.Now())
	if err == nil {
		err = em.pub.Publish(ctx, e)
	}
	if err != nil {
		em.log.Warn().Err(err).Str("event", string(t)).Str("subject", subject).Msg("event not published")
	}
}
