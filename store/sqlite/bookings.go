package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// CLAIMS (conflict detector source)
// =============================================================================

// OverlappingClaims implements the half-open overlap test in SQL:
// existing.start < candidate.end AND candidate.start < existing.end.
func (q *queries) OverlappingClaims(ctx context.Context, key generic.ResourceKey, w generic.Window) ([]generic.Claim, error) {
	var query string
	switch key.Namespace {
	case generic.NamespaceSpace:
		query = `SELECT id, start_at, end_at FROM reservations
			WHERE space_id = ? AND status IN ('scheduled', 'confirmed')
			AND start_at < ? AND ? < end_at`
	case generic.NamespaceEquipment:
		query = `SELECT id, reserved_from, due_at FROM equipment_loans
			WHERE equipment_id = ? AND state NOT IN ('returned', 'cancelled')
			AND reserved_from < ? AND ? < due_at`
	default:
		return nil, fmt.Errorf("unknown claim namespace %q", key.Namespace)
	}

	rows, err := q.db.QueryContext(ctx, query, key.ID, formatTime(w.End), formatTime(w.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []generic.Claim
	for rows.Next() {
		var id, start, end string
		if err := rows.Scan(&id, &start, &end); err != nil {
			return nil, err
		}
		c := generic.Claim{ID: id, Key: key}
		if c.Window.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if c.Window.End, err = parseTime(end); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, space_id, reservable_kind, reservable_id, user_id, start_at, end_at, status,
	series_id, instance_date, free_hours_used, notes, cancelled_at, cancel_reason, created_at, updated_at`

func (q *queries) InsertReservation(ctx context.Context, r generic.Reservation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SpaceID, r.Reservable.Kind, r.Reservable.ID, r.UserID,
		formatTime(r.Window.Start), formatTime(r.Window.End), r.Status,
		nullString(r.SeriesID), nullString(r.InstanceDate.String()), r.FreeHoursUsed.String(),
		nullString(r.Notes), nullTime(r.CancelledAt), nullString(r.CancelReason),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return mapWriteErr("failed to insert reservation", err)
}

func (q *queries) UpdateReservation(ctx context.Context, r generic.Reservation) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reservations SET
			status = ?, free_hours_used = ?, notes = ?, cancelled_at = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.FreeHoursUsed.String(), nullString(r.Notes), nullTime(r.CancelledAt),
		nullString(r.CancelReason), formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return expectOneRow(res, generic.NotFound("reservation", r.ID))
}

func (q *queries) GetReservation(ctx context.Context, id string) (generic.Reservation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, generic.NotFound("reservation", id)
	}
	return r, err
}

func (q *queries) ReservationsForSpace(ctx context.Context, spaceID string, w generic.Window) ([]generic.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE space_id = ? AND start_at < ? AND ? < end_at
		ORDER BY start_at, id`, spaceID, formatTime(w.End), formatTime(w.Start))
}

func (q *queries) ReservationsBySeries(ctx context.Context, seriesID string) ([]generic.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE series_id = ?
		ORDER BY start_at, id`, seriesID)
}

func (q *queries) queryReservations(ctx context.Context, query string, args ...any) ([]generic.Reservation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []generic.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(s scanner) (generic.Reservation, error) {
	var (
		r                                  generic.Reservation
		start, end, freeHours, created, up string
		seriesID, instance, notes          sql.NullString
		cancelledAt, cancelReason          sql.NullString
	)
	if err := s.Scan(&r.ID, &r.SpaceID, &r.Reservable.Kind, &r.Reservable.ID, &r.UserID, &start, &end, &r.Status,
		&seriesID, &instance, &freeHours, &notes, &cancelledAt, &cancelReason, &created, &up); err != nil {
		return r, err
	}
	r.SeriesID = seriesID.String
	r.Notes = notes.String
	r.CancelReason = cancelReason.String

	var err error
	if instance.Valid {
		if r.InstanceDate, err = generic.ParseDate(instance.String); err != nil {
			return r, err
		}
	}
	if r.FreeHoursUsed, err = decimal.NewFromString(freeHours); err != nil {
		return r, fmt.Errorf("parse free hours of %s: %w", r.ID, err)
	}
	if r.Window.Start, err = parseTime(start); err != nil {
		return r, err
	}
	if r.Window.End, err = parseTime(end); err != nil {
		return r, err
	}
	if r.CancelledAt, err = scanNullTime(cancelledAt); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(up); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// RECURRING SERIES
// =============================================================================

const seriesColumns = `id, owner_id, reservable_kind, reservable_id, space_id, rule_json, start_minute, end_minute,
	location, start_date, end_date, max_advance_days, status, notes, last_expanded_at, created_at, updated_at`

func (q *queries) InsertSeries(ctx context.Context, rs generic.RecurringSeries) error {
	rule, err := json.Marshal(rs.Rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO recurring_series (`+seriesColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.OwnerID, rs.Reservable.Kind, rs.Reservable.ID, rs.SpaceID, string(rule),
		int(rs.StartTime), int(rs.EndTime), rs.Location, rs.StartDate.String(), nullDate(rs.EndDate),
		rs.MaxAdvanceDays, rs.Status, nullString(rs.Notes), nullTime(rs.LastExpandedAt),
		formatTime(rs.CreatedAt), formatTime(rs.UpdatedAt))
	return mapWriteErr("failed to insert series", err)
}

func (q *queries) UpdateSeries(ctx context.Context, rs generic.RecurringSeries) error {
	rule, err := json.Marshal(rs.Rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE recurring_series SET
			rule_json = ?, end_date = ?, max_advance_days = ?, status = ?, notes = ?,
			last_expanded_at = ?, updated_at = ?
		WHERE id = ?`,
		string(rule), nullDate(rs.EndDate), rs.MaxAdvanceDays, rs.Status, nullString(rs.Notes),
		nullTime(rs.LastExpandedAt), formatTime(rs.UpdatedAt), rs.ID)
	if err != nil {
		return fmt.Errorf("failed to update series: %w", err)
	}
	return expectOneRow(res, generic.NotFound("series", rs.ID))
}

func (q *queries) GetSeries(ctx context.Context, id string) (generic.RecurringSeries, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM recurring_series WHERE id = ?`, id)
	rs, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, generic.NotFound("series", id)
	}
	return rs, err
}

func (q *queries) ListSeries(ctx context.Context, status generic.SeriesStatus) ([]generic.RecurringSeries, error) {
	query := `SELECT ` + seriesColumns + ` FROM recurring_series`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var out []generic.RecurringSeries
	for rows.Next() {
		rs, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func scanSeries(s scanner) (generic.RecurringSeries, error) {
	var (
		rs                                generic.RecurringSeries
		rule, startDate, created, updated string
		startMinute, endMinute            int
		endDate, notes, lastExpanded      sql.NullString
	)
	if err := s.Scan(&rs.ID, &rs.OwnerID, &rs.Reservable.Kind, &rs.Reservable.ID, &rs.SpaceID, &rule,
		&startMinute, &endMinute, &rs.Location, &startDate, &endDate, &rs.MaxAdvanceDays, &rs.Status,
		&notes, &lastExpanded, &created, &updated); err != nil {
		return rs, err
	}
	if err := json.Unmarshal([]byte(rule), &rs.Rule); err != nil {
		return rs, fmt.Errorf("decode rule of %s: %w", rs.ID, err)
	}
	rs.StartTime = generic.TimeOfDay(startMinute)
	rs.EndTime = generic.TimeOfDay(endMinute)
	rs.Notes = notes.String

	var err error
	if rs.StartDate, err = generic.ParseDate(startDate); err != nil {
		return rs, err
	}
	if endDate.Valid {
		d, err := generic.ParseDate(endDate.String)
		if err != nil {
			return rs, err
		}
		rs.EndDate = &d
	}
	if rs.LastExpandedAt, err = scanNullTime(lastExpanded); err != nil {
		return rs, err
	}
	if rs.CreatedAt, err = parseTime(created); err != nil {
		return rs, err
	}
	if rs.UpdatedAt, err = parseTime(updated); err != nil {
		return rs, err
	}
	return rs, nil
}

func (q *queries) RecordSkip(ctx context.Context, skip generic.SeriesSkip) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO series_skips (series_id, instance_date, reason, conflict_with, start_at, end_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_id, instance_date) DO UPDATE SET
			reason = excluded.reason,
			conflict_with = excluded.conflict_with,
			recorded_at = excluded.recorded_at`,
		skip.SeriesID, skip.InstanceDate.String(), skip.Reason, nullString(skip.ConflictWith),
		formatTime(skip.Window.Start), formatTime(skip.Window.End), formatTime(skip.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record skip: %w", err)
	}
	return nil
}

func (q *queries) SeriesSkips(ctx context.Context, seriesID string) ([]generic.SeriesSkip, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT series_id, instance_date, reason, conflict_with, start_at, end_at, recorded_at
		FROM series_skips WHERE series_id = ?
		ORDER BY instance_date`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to query skips: %w", err)
	}
	defer rows.Close()

	var out []generic.SeriesSkip
	for rows.Next() {
		var (
			skip                         generic.SeriesSkip
			date, start, end, recordedAt string
			conflictWith                 sql.NullString
		)
		if err := rows.Scan(&skip.SeriesID, &date, &skip.Reason, &conflictWith, &start, &end, &recordedAt); err != nil {
			return nil, err
		}
		skip.ConflictWith = conflictWith.String
		if skip.InstanceDate, err = generic.ParseDate(date); err != nil {
			return nil, err
		}
		if skip.Window.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if skip.Window.End, err = parseTime(end); err != nil {
			return nil, err
		}
		if skip.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, skip)
	}
	return out, rows.Err()
}

func nullDate(d *generic.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
