package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	providerSlotIdx = "appointments_provider_slot_active_idx"
	subjectSlotIdx  = "appointments_subject_slot_active_idx"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialty,
		&p.Active,
		&p.SlotMinutes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSubject(row pgx.Row) (*Subject, error) {
	var s Subject
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Blacklisted,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	err := row.Scan(
		&w.ID,
		&w.ProviderID,
		&w.StartsAt,
		&w.EndsAt,
		&w.Open,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, err
	}
	return &w, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.SubjectID,
		&a.StartsAt,
		&a.EndsAt,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// mapUniqueViolation translates a unique-index violation into the matching
// booking conflict. The index that fired tells us which invariant the insert
// would have broken.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case providerSlotIdx:
			return ErrSlotAlreadyBooked
		case subjectSlotIdx:
			return ErrSubjectDoubleBooked
		}
	}
	return err
}

const appointmentCols = "id, provider_id, subject_id, starts_at, ends_at, status, notes, created_at, updated_at"

// Interface methods

func (r *PgRepository) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, slot_minutes, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, blacklisted, created_at, updated_at
		FROM subjects
		WHERE id = $1
	`, id)
	return scanSubject(row)
}

func (r *PgRepository) UpsertWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO availability_windows (provider_id, starts_at, ends_at, open, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT ON CONSTRAINT availability_windows_provider_start_key
		DO UPDATE SET ends_at = EXCLUDED.ends_at, open = EXCLUDED.open, updated_at = now()
		RETURNING id, provider_id, starts_at, ends_at, open, created_at, updated_at
	`, w.ProviderID, w.StartsAt, w.EndsAt, w.Open)
	return scanWindow(row)
}

func (r *PgRepository) ListWindows(ctx context.Context, providerID int64, from, to time.Time) ([]AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, starts_at, ends_at, open, created_at, updated_at
		FROM availability_windows
		WHERE provider_id = $1
		  AND starts_at >= $2
		  AND starts_at < $3
		ORDER BY starts_at
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (r *PgRepository) CloseWindow(ctx context.Context, providerID, windowID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_windows
		SET open = FALSE,
		    updated_at = now()
		WHERE id = $1
		  AND provider_id = $2
	`, windowID, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error) {
	sql := `SELECT ` + appointmentCols + ` FROM appointments WHERE 1=1`
	var args []any

	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(clause, len(args))
	}

	if q.ProviderID != 0 {
		add(" AND provider_id = $%d", q.ProviderID)
	}
	if q.SubjectID != 0 {
		add(" AND subject_id = $%d", q.SubjectID)
	}
	if !q.From.IsZero() {
		add(" AND starts_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add(" AND starts_at < $%d", q.To)
	}
	if q.Status != "" {
		add(" AND status = $%d", q.Status)
	}
	if q.ExcludeCancelled {
		sql += " AND status <> 'cancelled'"
	}

	sql += " ORDER BY starts_at"
	if q.Limit > 0 {
		add(" LIMIT $%d", q.Limit)
	}
	if q.Offset > 0 {
		add(" OFFSET $%d", q.Offset)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgRepository) SubjectHasBookingAt(ctx context.Context, subjectID int64, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE subject_id = $1
			  AND starts_at = $2
			  AND status <> 'cancelled'
		)
	`, subjectID, at).Scan(&exists)
	return exists, err
}

func (r *PgRepository) CreateBooked(ctx context.Context, a Appointment, ev Event) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (provider_id, subject_id, starts_at, ends_at, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'booked', $5, now(), now())
		RETURNING `+appointmentCols+`
	`, a.ProviderID, a.SubjectID, a.StartsAt, a.EndsAt, a.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}

	if err := insertEvent(ctx, tx, created.ID, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapUniqueViolation(err)
	}
	return created, nil
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id int64, from, to Status, ev Event) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := transitionStatusTx(ctx, tx, id, from, to)
	if err != nil {
		return nil, err
	}

	if err := insertEvent(ctx, tx, updated.ID, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) CompleteWithOutcome(ctx context.Context, id int64, out Outcome, ev Event) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := transitionStatusTx(ctx, tx, id, StatusBooked, StatusCompleted)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outcomes (appointment_id, diagnosis, prescription, notes, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, updated.ID, out.Diagnosis, out.Prescription, out.Notes)
	if err != nil {
		return nil, fmt.Errorf("insert outcome: %w", err)
	}

	if err := insertEvent(ctx, tx, updated.ID, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// Reschedule atomically vacates the old slot and claims the new one. If the
// insert loses a race on either uniqueness index the whole transaction rolls
// back and the original booking is untouched.
func (r *PgRepository) Reschedule(ctx context.Context, oldID int64, replacement Appointment, cancelEv, bookEv Event) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cancelled, err := transitionStatusTx(ctx, tx, oldID, StatusBooked, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, cancelled.ID, cancelEv); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (provider_id, subject_id, starts_at, ends_at, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'booked', $5, now(), now())
		RETURNING `+appointmentCols+`
	`, replacement.ProviderID, replacement.SubjectID, replacement.StartsAt, replacement.EndsAt, replacement.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	if err := insertEvent(ctx, tx, created.ID, bookEv); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapUniqueViolation(err)
	}
	return created, nil
}

func (r *PgRepository) GetOutcome(ctx context.Context, appointmentID int64) (*Outcome, error) {
	var o Outcome
	err := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, diagnosis, prescription, notes, created_at
		FROM outcomes
		WHERE appointment_id = $1
	`, appointmentID).Scan(&o.ID, &o.AppointmentID, &o.Diagnosis, &o.Prescription, &o.Notes, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOutcomeNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) FindUnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at, published_at
		FROM appointment_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt, &ev.PublishedAt); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (r *PgRepository) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointment_events
		SET published_at = $2
		WHERE id = $1
		  AND published_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

// transitionStatusTx is the atomic lifecycle guard: the UPDATE only matches
// while the row still holds the expected status, so the loser of a concurrent
// cancel/complete race sees ErrAppointmentNotFound.
func transitionStatusTx(ctx context.Context, tx pgx.Tx, id int64, from, to Status) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentCols+`
	`, id, to, from)
	return scanAppointment(row)
}

func insertEvent(ctx context.Context, tx pgx.Tx, appointmentID int64, ev Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, ev.EventType, appointmentID, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}
	return nil
}
