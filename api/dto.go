/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - Money rendered as fixed two-decimal strings
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers; handlers only reject bodies that fail to decode.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/series.go: SeriesJSON, accepted as-is by POST /api/series
*/
package api

import (
	"time"

	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/factory"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

// BookRequest is the body of POST /api/reservations.
type BookRequest struct {
	SpaceID    string          `json:"space_id"`
	Reservable factory.RefJSON `json:"reservable"`
	UserID     string          `json:"user_id"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Notes      string          `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type ReservationDTO struct {
	ID           string                    `json:"id"`
	SpaceID      string                    `json:"space_id"`
	Reservable   generic.Ref               `json:"reservable"`
	UserID       string                    `json:"user_id"`
	Window       generic.Window            `json:"window"`
	Status       generic.ReservationStatus `json:"status"`
	SeriesID     string                    `json:"series_id,omitempty"`
	InstanceDate string                    `json:"instance_date,omitempty"`
	HoursUsed    string                    `json:"hours_used"`
	Notes        string                    `json:"notes,omitempty"`
	CancelReason string                    `json:"cancel_reason,omitempty"`
	CreatedAt    string                    `json:"created_at"`
}

// BookingDTO is a reservation with the charge that settled it.
type BookingDTO struct {
	Reservation ReservationDTO  `json:"reservation"`
	Charge      ChargeDTO       `json:"charge"`
	LowBalance  []LowBalanceDTO `json:"low_balance,omitempty"`
}

type ChargeDTO struct {
	ID             string                       `json:"id"`
	UserID         string                       `json:"user_id"`
	Chargeable     generic.Ref                  `json:"chargeable"`
	Currency       string                       `json:"currency"`
	Gross          string                       `json:"gross"`
	CreditsApplied map[generic.CreditType]int64 `json:"credits_applied"`
	CreditValue    string                       `json:"credit_value"`
	Net            string                       `json:"net"`
	Status         generic.ChargeStatus         `json:"status"`
	PaymentMethod  string                       `json:"payment_method,omitempty"`
	FailureReason  string                       `json:"failure_reason,omitempty"`
	FailedAttempts int                          `json:"failed_attempts,omitempty"`
}

type LowBalanceDTO struct {
	CreditType generic.CreditType `json:"credit_type"`
	Balance    int64              `json:"balance"`
	Threshold  int64              `json:"threshold"`
}

// PaymentRequest is the payment collaborator's confirmation.
type PaymentRequest struct {
	ChargeID    string `json:"charge_id"`
	Outcome     string `json:"outcome"` // paid, failed, refunded
	Method      string `json:"method,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// =============================================================================
// SERIES
// =============================================================================

type SeriesDTO struct {
	ID             string               `json:"id"`
	OwnerID        string               `json:"owner_id"`
	Reservable     generic.Ref          `json:"reservable"`
	SpaceID        string               `json:"space_id"`
	Rule           string               `json:"rule"`
	StartTime      string               `json:"start_time"`
	EndTime        string               `json:"end_time"`
	Location       string               `json:"location"`
	StartDate      string               `json:"start_date"`
	EndDate        string               `json:"end_date,omitempty"`
	MaxAdvanceDays int                  `json:"max_advance_days"`
	Status         generic.SeriesStatus `json:"status"`
	LastExpandedAt string               `json:"last_expanded_at,omitempty"`
}

type SkipDTO struct {
	InstanceDate string         `json:"instance_date"`
	Reason       string         `json:"reason"`
	ConflictWith string         `json:"conflict_with"`
	Window       generic.Window `json:"window"`
}

type ExpansionDTO struct {
	Created  []string  `json:"created"`
	Skipped  []SkipDTO `json:"skipped"`
	Existing int       `json:"existing"`
	Ended    bool      `json:"ended"`
}

// SeriesResponse is returned by create, resume and expand.
type SeriesResponse struct {
	Series    SeriesDTO     `json:"series"`
	Expansion *ExpansionDTO `json:"expansion,omitempty"`
}

// =============================================================================
// CREDITS
// =============================================================================

type CreditBalanceDTO struct {
	CreditType generic.CreditType `json:"credit_type"`
	Balance    int64              `json:"balance"`
	MaxBalance *int64             `json:"max_balance,omitempty"`
	Rollover   bool               `json:"rollover"`
	ExpiresAt  string             `json:"expires_at,omitempty"`
}

type CreditTransactionDTO struct {
	ID           string             `json:"id"`
	CreditType   generic.CreditType `json:"credit_type"`
	Amount       int64              `json:"amount"`
	BalanceAfter int64              `json:"balance_after"`
	Source       generic.SourceKind `json:"source"`
	SourceRef    string             `json:"source_ref,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreatedAt    string             `json:"created_at"`
}

type GrantRequest struct {
	UserID     string     `json:"user_id"`
	CreditType string     `json:"credit_type"`
	Amount     int64      `json:"amount"`
	Reason     string     `json:"reason"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type AdjustmentRequest struct {
	UserID     string `json:"user_id"`
	CreditType string `json:"credit_type"`
	Delta      int64  `json:"delta"`
	Reason     string `json:"reason"`
}

type AllocationRequest struct {
	UserID     string     `json:"user_id"`
	CreditType string     `json:"credit_type"`
	Amount     int64      `json:"amount"`
	Frequency  string     `json:"frequency"`
	Source     string     `json:"source,omitempty"`
	StartsAt   time.Time  `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
}

type AllocationDTO struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	CreditType       generic.CreditType `json:"credit_type"`
	Amount           int64              `json:"amount"`
	Frequency        generic.Frequency  `json:"frequency"`
	NextAllocationAt string             `json:"next_allocation_at"`
	Active           bool               `json:"active"`
}

type PromoRequest struct {
	Code       string     `json:"code"`
	CreditType string     `json:"credit_type"`
	Amount     int64      `json:"amount"`
	MaxUses    *int64     `json:"max_uses,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type PromoDTO struct {
	Code       string             `json:"code"`
	CreditType generic.CreditType `json:"credit_type"`
	Amount     int64              `json:"amount"`
	MaxUses    *int64             `json:"max_uses,omitempty"`
	UsesCount  int64              `json:"uses_count"`
	Active     bool               `json:"active"`
}

type RedeemRequest struct {
	UserID string `json:"user_id"`
}

// SweepDTO reports a manual scheduler run.
type SweepDTO struct {
	SeriesExpanded int `json:"series_expanded"`
	Created        int `json:"created"`
	Skipped        int `json:"skipped"`
	Allocations    int `json:"allocations_applied"`
	Expired        int `json:"credits_expired"`
	Overdue        int `json:"loans_flagged_overdue"`
}

// =============================================================================
// EQUIPMENT
// =============================================================================

type ItemDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RentalFee string `json:"rental_fee"`
	Deposit   string `json:"deposit"`
}

type LoanRequest struct {
	EquipmentID  string    `json:"equipment_id"`
	BorrowerID   string    `json:"borrower_id"`
	ReservedFrom time.Time `json:"reserved_from"`
	DueAt        time.Time `json:"due_at"`
}

// TransitionRequest names a loan command and the fields it reads.
type TransitionRequest struct {
	Command       string    `json:"command"`
	Condition     string    `json:"condition,omitempty"`
	DamageNotes   string    `json:"damage_notes,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RetainDeposit bool      `json:"retain_deposit,omitempty"`
	At            time.Time `json:"at,omitempty"`
	Actor         string    `json:"actor,omitempty"`
}

type ExtendRequest struct {
	DueAt time.Time `json:"due_at"`
}

type LoanDTO struct {
	ID              string             `json:"id"`
	EquipmentID     string             `json:"equipment_id"`
	BorrowerID      string             `json:"borrower_id"`
	ReservedFrom    string             `json:"reserved_from"`
	DueAt           string             `json:"due_at"`
	State           generic.LoanStatus `json:"state"`
	CheckedOutAt    string             `json:"checked_out_at,omitempty"`
	ConditionOut    string             `json:"condition_out,omitempty"`
	ConditionIn     string             `json:"condition_in,omitempty"`
	DamageNotes     string             `json:"damage_notes,omitempty"`
	Deposit         string             `json:"deposit"`
	DepositReleased bool               `json:"deposit_released"`
	RentalFee       string             `json:"rental_fee"`
	ChargeID        string             `json:"charge_id,omitempty"`
	HandledBy       string             `json:"handled_by,omitempty"`
}

type LoanResponse struct {
	Loan   LoanDTO    `json:"loan"`
	Charge *ChargeDTO `json:"charge,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toReservationDTO(r generic.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ID:           r.ID,
		SpaceID:      r.SpaceID,
		Reservable:   r.Reservable,
		UserID:       string(r.UserID),
		Window:       r.Window,
		Status:       r.Status,
		SeriesID:     r.SeriesID,
		HoursUsed:    r.HoursUsed().StringFixed(2),
		Notes:        r.Notes,
		CancelReason: r.CancelReason,
		CreatedAt:    formatTime(r.CreatedAt),
	}
	if r.SeriesID != "" {
		dto.InstanceDate = r.InstanceDate.String()
	}
	return dto
}

func toReservationDTOs(rs []generic.Reservation) []ReservationDTO {
	out := make([]ReservationDTO, len(rs))
	for i, r := range rs {
		out[i] = toReservationDTO(r)
	}
	return out
}

func toBookingDTO(b booking.Booking) BookingDTO {
	dto := BookingDTO{Reservation: toReservationDTO(b.Reservation), Charge: toChargeDTO(b.Charge)}
	for _, lb := range b.LowBalance {
		dto.LowBalance = append(dto.LowBalance, LowBalanceDTO{CreditType: lb.CreditType, Balance: lb.Balance, Threshold: lb.Threshold})
	}
	return dto
}

func toChargeDTO(c generic.Charge) ChargeDTO {
	credits := c.CreditsApplied
	if credits == nil {
		credits = map[generic.CreditType]int64{}
	}
	return ChargeDTO{
		ID:             c.ID,
		UserID:         string(c.UserID),
		Chargeable:     c.Chargeable,
		Currency:       c.Currency,
		Gross:          c.Gross.StringFixed(2),
		CreditsApplied: credits,
		CreditValue:    c.CreditValue.StringFixed(2),
		Net:            c.Net.StringFixed(2),
		Status:         c.Status,
		PaymentMethod:  c.PaymentMethod,
		FailureReason:  c.FailureReason,
		FailedAttempts: c.FailedAttempts,
	}
}

func toSeriesDTO(rs generic.RecurringSeries) SeriesDTO {
	dto := SeriesDTO{
		ID:             rs.ID,
		OwnerID:        string(rs.OwnerID),
		Reservable:     rs.Reservable,
		SpaceID:        rs.SpaceID,
		Rule:           rs.Rule.String(),
		StartTime:      rs.StartTime.String(),
		EndTime:        rs.EndTime.String(),
		Location:       rs.Location,
		StartDate:      rs.StartDate.String(),
		MaxAdvanceDays: rs.MaxAdvanceDays,
		Status:         rs.Status,
		LastExpandedAt: formatTimePtr(rs.LastExpandedAt),
	}
	if rs.EndDate != nil {
		dto.EndDate = rs.EndDate.String()
	}
	return dto
}

func toSkipDTOs(skips []generic.SeriesSkip) []SkipDTO {
	out := make([]SkipDTO, len(skips))
	for i, s := range skips {
		out[i] = SkipDTO{InstanceDate: s.InstanceDate.String(), Reason: s.Reason, ConflictWith: s.ConflictWith, Window: s.Window}
	}
	return out
}

func toExpansionDTO(r booking.ExpansionReport) *ExpansionDTO {
	created := r.Created
	if created == nil {
		created = []string{}
	}
	return &ExpansionDTO{Created: created, Skipped: toSkipDTOs(r.Skipped), Existing: r.Existing, Ended: r.Ended}
}

func toCreditBalanceDTO(c generic.UserCredit) CreditBalanceDTO {
	return CreditBalanceDTO{
		CreditType: c.CreditType,
		Balance:    c.Balance,
		MaxBalance: c.MaxBalance,
		Rollover:   c.Rollover,
		ExpiresAt:  formatTimePtr(c.ExpiresAt),
	}
}

func toCreditTransactionDTO(t generic.CreditTransaction) CreditTransactionDTO {
	return CreditTransactionDTO{
		ID:           t.ID,
		CreditType:   t.CreditType,
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Source:       t.Source,
		SourceRef:    t.SourceRef,
		Reason:       t.Reason,
		Metadata:     t.Metadata,
		CreatedAt:    formatTime(t.CreatedAt),
	}
}

func toAllocationDTO(a generic.CreditAllocation) AllocationDTO {
	return AllocationDTO{
		ID:               a.ID,
		UserID:           string(a.UserID),
		CreditType:       a.CreditType,
		Amount:           a.Amount,
		Frequency:        a.Frequency,
		NextAllocationAt: formatTime(a.NextAllocationAt),
		Active:           a.Active,
	}
}

func toPromoDTO(p generic.PromoCode) PromoDTO {
	return PromoDTO{Code: p.Code, CreditType: p.CreditType, Amount: p.Amount, MaxUses: p.MaxUses, UsesCount: p.UsesCount, Active: p.Active}
}

func toItemDTO(it equipment.Item) ItemDTO {
	return ItemDTO{ID: it.ID, Name: it.Name, RentalFee: it.RentalFee.StringFixed(2), Deposit: it.Deposit.StringFixed(2)}
}

// toLoanDTO flattens a loan; state is derived at now so overdue shows.
func toLoanDTO(l equipment.Loan, now time.Time) LoanDTO {
	rec := l.Record()
	return LoanDTO{
		ID:              l.ID,
		EquipmentID:     l.EquipmentID,
		BorrowerID:      string(l.BorrowerID),
		ReservedFrom:    formatTime(l.ReservedFrom),
		DueAt:           formatTime(l.DueAt),
		State:           l.Status(now),
		CheckedOutAt:    formatTimePtr(rec.CheckedOutAt),
		ConditionOut:    rec.ConditionOut,
		ConditionIn:     rec.ConditionIn,
		DamageNotes:     rec.DamageNotes,
		Deposit:         l.Deposit.StringFixed(2),
		DepositReleased: l.DepositReleased,
		RentalFee:       l.RentalFee.StringFixed(2),
		ChargeID:        l.ChargeID,
		HandledBy:       l.HandledBy,
	}
}
