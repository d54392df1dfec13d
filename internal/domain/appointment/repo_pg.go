package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telecare/telecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, scheduled_at, duration_minutes, price, currency,
	status, coverage_type, cancellation_reason, cancelled_by, cancelled_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ScheduledAt, &a.DurationMinutes, &a.Price,
		&a.Currency, &a.Status, &a.CoverageType, &a.CancellationReason, &a.CancelledBy, &a.CancelledAt,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, duration_minutes, price,
			currency, status, coverage_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.ScheduledAt, a.DurationMinutes, a.Price,
		a.Currency, a.Status, a.CoverageType,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status=$2, coverage_type=$3, cancellation_reason=$4, cancelled_by=$5,
			cancelled_at=$6, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Status, a.CoverageType, a.CancellationReason, a.CancelledBy, a.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE `+column+` = $1 ORDER BY scheduled_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *appointmentRepoPG) ListForDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}
