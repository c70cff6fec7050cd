package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// CREDIT BALANCES
// =============================================================================

const creditColumns = `user_id, credit_type, balance, max_balance, rollover, expires_at, updated_at`

func (q *queries) GetCredit(ctx context.Context, userID generic.UserID, creditType generic.CreditType) (*generic.UserCredit, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+creditColumns+` FROM user_credits WHERE user_id = ? AND credit_type = ?`,
		userID, creditType)
	c, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) ListCredits(ctx context.Context, userID generic.UserID) ([]generic.UserCredit, error) {
	return q.queryCredits(ctx,
		`SELECT `+creditColumns+` FROM user_credits WHERE user_id = ? ORDER BY credit_type`, userID)
}

func (q *queries) ExpiredCredits(ctx context.Context, now time.Time) ([]generic.UserCredit, error) {
	return q.queryCredits(ctx,
		`SELECT `+creditColumns+` FROM user_credits
		 WHERE balance > 0 AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY user_id, credit_type`, formatTime(now))
}

func (q *queries) SaveCredit(ctx context.Context, c generic.UserCredit) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_credits (`+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, credit_type) DO UPDATE SET
			balance = excluded.balance,
			max_balance = excluded.max_balance,
			rollover = excluded.rollover,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.CreditType, c.Balance, nullInt(c.MaxBalance), boolInt(c.Rollover),
		nullTime(c.ExpiresAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save credit: %w", err)
	}
	return nil
}

func (q *queries) queryCredits(ctx context.Context, query string, args ...any) ([]generic.UserCredit, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var out []generic.UserCredit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredit(s scanner) (generic.UserCredit, error) {
	var (
		c         generic.UserCredit
		maxBal    sql.NullInt64
		rollover  int
		expiresAt sql.NullString
		updatedAt string
	)
	if err := s.Scan(&c.UserID, &c.CreditType, &c.Balance, &maxBal, &rollover, &expiresAt, &updatedAt); err != nil {
		return c, err
	}
	c.MaxBalance = scanNullInt(maxBal)
	c.Rollover = rollover == 1
	var err error
	if c.ExpiresAt, err = scanNullTime(expiresAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

// =============================================================================
// CREDIT TRANSACTIONS (append-only)
// =============================================================================

func (q *queries) AppendCreditTransaction(ctx context.Context, tx generic.CreditTransaction) error {
	var meta sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, user_id, credit_type, amount, balance_after, source, source_ref, reason, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.CreditType, tx.Amount, tx.BalanceAfter, tx.Source,
		nullString(tx.SourceRef), nullString(tx.Reason), meta, formatTime(tx.CreatedAt))
	return mapWriteErr("failed to append credit transaction", err)
}

func (q *queries) CreditTransactions(ctx context.Context, userID generic.UserID, creditType generic.CreditType) ([]generic.CreditTransaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, credit_type, amount, balance_after, source, source_ref, reason, metadata_json, created_at
		FROM credit_transactions
		WHERE user_id = ? AND credit_type = ?
		ORDER BY seq`, userID, creditType)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.CreditTransaction
	for rows.Next() {
		var (
			tx                      generic.CreditTransaction
			sourceRef, reason, meta sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.CreditType, &tx.Amount, &tx.BalanceAfter, &tx.Source,
			&sourceRef, &reason, &meta, &createdAt); err != nil {
			return nil, err
		}
		tx.SourceRef = sourceRef.String
		tx.Reason = reason.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
			}
		}
		if tx.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = `id, user_id, credit_type, amount, frequency, source, starts_at, ends_at,
	last_allocated_at, next_allocation_at, active, created_at`

func (q *queries) InsertAllocation(ctx context.Context, a generic.CreditAllocation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.CreditType, a.Amount, a.Frequency, nullString(a.Source),
		formatTime(a.StartsAt), nullTime(a.EndsAt), nullTime(a.LastAllocatedAt),
		formatTime(a.NextAllocationAt), boolInt(a.Active), formatTime(a.CreatedAt))
	return mapWriteErr("failed to insert allocation", err)
}

func (q *queries) GetAllocation(ctx context.Context, id string) (generic.CreditAllocation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM credit_allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, generic.NotFound("allocation", id)
	}
	return a, err
}

func (q *queries) DueAllocations(ctx context.Context, now time.Time) ([]generic.CreditAllocation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+allocationColumns+` FROM credit_allocations
		WHERE active = 1 AND next_allocation_at <= ?
		ORDER BY id`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []generic.CreditAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) AdvanceAllocation(ctx context.Context, id string, expectedNext, lastAllocated, next time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE credit_allocations
		SET last_allocated_at = ?, next_allocation_at = ?
		WHERE id = ? AND next_allocation_at = ?`,
		formatTime(lastAllocated), formatTime(next), id, formatTime(expectedNext))
	if err != nil {
		return fmt.Errorf("failed to advance allocation: %w", err)
	}
	return expectOneRow(res, generic.ErrConcurrentModification)
}

func (q *queries) SetAllocationActive(ctx context.Context, id string, active bool) error {
	res, err := q.db.ExecContext(ctx, `UPDATE credit_allocations SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	return expectOneRow(res, generic.NotFound("allocation", id))
}

func scanAllocation(s scanner) (generic.CreditAllocation, error) {
	var (
		a                        generic.CreditAllocation
		source, endsAt, lastAt   sql.NullString
		startsAt, nextAt, create string
		active                   int
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.CreditType, &a.Amount, &a.Frequency, &source, &startsAt, &endsAt,
		&lastAt, &nextAt, &active, &create); err != nil {
		return a, err
	}
	a.Source = source.String
	a.Active = active == 1
	var err error
	if a.StartsAt, err = parseTime(startsAt); err != nil {
		return a, err
	}
	if a.EndsAt, err = scanNullTime(endsAt); err != nil {
		return a, err
	}
	if a.LastAllocatedAt, err = scanNullTime(lastAt); err != nil {
		return a, err
	}
	if a.NextAllocationAt, err = parseTime(nextAt); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(create); err != nil {
		return a, err
	}
	return a, nil
}

// =============================================================================
// PROMO CODES
// =============================================================================

func (q *queries) InsertPromoCode(ctx context.Context, p generic.PromoCode) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO promo_codes (code, credit_type, amount, max_uses, uses_count, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Code, p.CreditType, p.Amount, nullInt(p.MaxUses), p.UsesCount, boolInt(p.Active),
		nullTime(p.ExpiresAt), formatTime(p.CreatedAt))
	return mapWriteErr("failed to insert promo code", err)
}

func (q *queries) GetPromoCode(ctx context.Context, code string) (generic.PromoCode, error) {
	var (
		p         generic.PromoCode
		maxUses   sql.NullInt64
		active    int
		expiresAt sql.NullString
		createdAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT code, credit_type, amount, max_uses, uses_count, active, expires_at, created_at
		FROM promo_codes WHERE code = ?`, code).
		Scan(&p.Code, &p.CreditType, &p.Amount, &maxUses, &p.UsesCount, &active, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, generic.NotFound("promo code", code)
	}
	if err != nil {
		return p, fmt.Errorf("failed to get promo code: %w", err)
	}
	p.MaxUses = scanNullInt(maxUses)
	p.Active = active == 1
	if p.ExpiresAt, err = scanNullTime(expiresAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	return p, nil
}

func (q *queries) IncrementPromoUses(ctx context.Context, code string, expected int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE promo_codes SET uses_count = uses_count + 1 WHERE code = ? AND uses_count = ?`, code, expected)
	if err != nil {
		return fmt.Errorf("failed to increment promo uses: %w", err)
	}
	return expectOneRow(res, generic.ErrConcurrentModification)
}

func (q *queries) InsertRedemption(ctx context.Context, r generic.PromoRedemption) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO promo_redemptions (id, code, user_id, transaction_id, redeemed_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Code, r.UserID, r.TransactionID, formatTime(r.RedeemedAt))
	return mapWriteErr("failed to insert redemption", err)
}

func (q *queries) HasRedemption(ctx context.Context, code string, userID generic.UserID) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promo_redemptions WHERE code = ? AND user_id = ?`, code, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check redemption: %w", err)
	}
	return n > 0, nil
}
