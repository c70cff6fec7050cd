package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, user_id, chargeable_kind, chargeable_id, currency, gross, credits_applied_json,
	credit_value, net, status, payment_method, external_ref, paid_at, refunded_at, failure_reason,
	failed_attempts, version, created_at, updated_at`

func (q *queries) InsertCharge(ctx context.Context, c generic.Charge) error {
	credits, err := json.Marshal(c.CreditsApplied)
	if err != nil {
		return fmt.Errorf("failed to encode credits applied: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO charges (`+chargeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Chargeable.Kind, c.Chargeable.ID, c.Currency, c.Gross.String(), string(credits),
		c.CreditValue.String(), c.Net.String(), c.Status, nullString(c.PaymentMethod), nullString(c.ExternalRef),
		nullTime(c.PaidAt), nullTime(c.RefundedAt), nullString(c.FailureReason), c.FailedAttempts, c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return mapWriteErr("failed to insert charge", err)
}

// UpdateCharge writes status and payment fields. Amounts are immutable.
func (q *queries) UpdateCharge(ctx context.Context, c generic.Charge) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE charges SET
			status = ?, payment_method = ?, external_ref = ?, paid_at = ?, refunded_at = ?,
			failure_reason = ?, failed_attempts = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.Status, nullString(c.PaymentMethod), nullString(c.ExternalRef), nullTime(c.PaidAt),
		nullTime(c.RefundedAt), nullString(c.FailureReason), c.FailedAttempts, formatTime(c.UpdatedAt),
		c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	return expectOneRow(res, generic.ErrConcurrentModification)
}

func (q *queries) GetCharge(ctx context.Context, id string) (generic.Charge, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = ?`, id)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, generic.NotFound("charge", id)
	}
	return c, err
}

func (q *queries) ChargeFor(ctx context.Context, chargeable generic.Ref) (generic.Charge, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE chargeable_kind = ? AND chargeable_id = ?`,
		chargeable.Kind, chargeable.ID)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, generic.NotFound("charge for", chargeable.String())
	}
	return c, err
}

func scanCharge(s scanner) (generic.Charge, error) {
	var (
		c                                generic.Charge
		gross, credits, creditValue, net string
		method, extRef, failure          sql.NullString
		paidAt, refundedAt               sql.NullString
		created, updated                 string
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Chargeable.Kind, &c.Chargeable.ID, &c.Currency, &gross, &credits,
		&creditValue, &net, &c.Status, &method, &extRef, &paidAt, &refundedAt, &failure,
		&c.FailedAttempts, &c.Version, &created, &updated); err != nil {
		return c, err
	}
	c.PaymentMethod = method.String
	c.ExternalRef = extRef.String
	c.FailureReason = failure.String
	if err := json.Unmarshal([]byte(credits), &c.CreditsApplied); err != nil {
		return c, fmt.Errorf("decode credits applied of %s: %w", c.ID, err)
	}
	if c.CreditsApplied == nil {
		c.CreditsApplied = map[generic.CreditType]int64{}
	}

	var err error
	if c.Gross, err = decimal.NewFromString(gross); err != nil {
		return c, err
	}
	if c.CreditValue, err = decimal.NewFromString(creditValue); err != nil {
		return c, err
	}
	if c.Net, err = decimal.NewFromString(net); err != nil {
		return c, err
	}
	if c.PaidAt, err = scanNullTime(paidAt); err != nil {
		return c, err
	}
	if c.RefundedAt, err = scanNullTime(refundedAt); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return c, err
	}
	return c, nil
}

// =============================================================================
// EQUIPMENT LOANS
// =============================================================================

const loanColumns = `id, equipment_id, borrower_id, reserved_from, due_at, state, checked_out_at, returned_at,
	cancelled_at, dropoff_at, condition_out, condition_in, damage_notes, cancel_reason, handled_by, deposit,
	deposit_released, rental_fee, charge_id, overdue_notified_at, version, created_at, updated_at`

func (q *queries) InsertLoan(ctx context.Context, l generic.LoanRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO equipment_loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.EquipmentID, l.BorrowerID, formatTime(l.ReservedFrom), formatTime(l.DueAt), l.State,
		nullTime(l.CheckedOutAt), nullTime(l.ReturnedAt), nullTime(l.CancelledAt), nullTime(l.DropoffAt),
		nullString(l.ConditionOut), nullString(l.ConditionIn), nullString(l.DamageNotes),
		nullString(l.CancelReason), nullString(l.HandledBy), l.Deposit.String(), boolInt(l.DepositReleased),
		l.RentalFee.String(), nullString(l.ChargeID), nullTime(l.OverdueNotifiedAt), l.Version,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	return mapWriteErr("failed to insert loan", err)
}

func (q *queries) UpdateLoan(ctx context.Context, l generic.LoanRecord) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE equipment_loans SET
			due_at = ?, state = ?, checked_out_at = ?, returned_at = ?, cancelled_at = ?, dropoff_at = ?,
			condition_out = ?, condition_in = ?, damage_notes = ?, cancel_reason = ?, handled_by = ?,
			deposit_released = ?, charge_id = ?, overdue_notified_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		formatTime(l.DueAt), l.State, nullTime(l.CheckedOutAt), nullTime(l.ReturnedAt), nullTime(l.CancelledAt),
		nullTime(l.DropoffAt), nullString(l.ConditionOut), nullString(l.ConditionIn), nullString(l.DamageNotes),
		nullString(l.CancelReason), nullString(l.HandledBy), boolInt(l.DepositReleased), nullString(l.ChargeID),
		nullTime(l.OverdueNotifiedAt), formatTime(l.UpdatedAt), l.ID, l.Version)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOneRow(res, generic.ErrConcurrentModification)
}

func (q *queries) GetLoan(ctx context.Context, id string) (generic.LoanRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM equipment_loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, generic.NotFound("loan", id)
	}
	return l, err
}

func (q *queries) LoansForEquipment(ctx context.Context, equipmentID string) ([]generic.LoanRecord, error) {
	return q.queryLoans(ctx, `SELECT `+loanColumns+` FROM equipment_loans
		WHERE equipment_id = ? ORDER BY reserved_from, id`, equipmentID)
}

func (q *queries) LoansDueBefore(ctx context.Context, t time.Time) ([]generic.LoanRecord, error) {
	return q.queryLoans(ctx, `SELECT `+loanColumns+` FROM equipment_loans
		WHERE state = 'checked_out' AND due_at < ? ORDER BY reserved_from, id`, formatTime(t))
}

func (q *queries) queryLoans(ctx context.Context, query string, args ...any) ([]generic.LoanRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var out []generic.LoanRecord
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLoan(s scanner) (generic.LoanRecord, error) {
	var (
		l                                          generic.LoanRecord
		reservedFrom, dueAt, deposit, fee          string
		created, updated                           string
		checkedOut, returned, cancelled, dropoff   sql.NullString
		condOut, condIn, damage, reason, handledBy sql.NullString
		chargeID, notified                         sql.NullString
		released                                   int
	)
	if err := s.Scan(&l.ID, &l.EquipmentID, &l.BorrowerID, &reservedFrom, &dueAt, &l.State, &checkedOut,
		&returned, &cancelled, &dropoff, &condOut, &condIn, &damage, &reason, &handledBy, &deposit,
		&released, &fee, &chargeID, &notified, &l.Version, &created, &updated); err != nil {
		return l, err
	}
	l.ConditionOut = condOut.String
	l.ConditionIn = condIn.String
	l.DamageNotes = damage.String
	l.CancelReason = reason.String
	l.HandledBy = handledBy.String
	l.ChargeID = chargeID.String
	l.DepositReleased = released == 1

	var err error
	if l.ReservedFrom, err = parseTime(reservedFrom); err != nil {
		return l, err
	}
	if l.DueAt, err = parseTime(dueAt); err != nil {
		return l, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&l.CheckedOutAt, checkedOut},
		{&l.ReturnedAt, returned},
		{&l.CancelledAt, cancelled},
		{&l.DropoffAt, dropoff},
		{&l.OverdueNotifiedAt, notified},
	} {
		if *f.dst, err = scanNullTime(f.src); err != nil {
			return l, err
		}
	}
	if l.Deposit, err = decimal.NewFromString(deposit); err != nil {
		return l, err
	}
	if l.RentalFee, err = decimal.NewFromString(fee); err != nil {
		return l, err
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return l, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return l, err
	}
	return l, nil
}
