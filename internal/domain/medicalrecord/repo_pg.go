package medicalrecord

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

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, patient_id, doctor_id, appointment_id, diagnosis, notes, prescription, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.AppointmentID,
		&rec.Diagnosis, &rec.Notes, &rec.Prescription, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_records (id, patient_id, doctor_id, appointment_id, diagnosis, notes, prescription)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rec.ID, rec.PatientID, rec.DoctorID, rec.AppointmentID, rec.Diagnosis, rec.Notes, rec.Prescription,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *recordRepoPG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM medical_records WHERE id = $1`, id))
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_records SET diagnosis = $2, notes = $3, prescription = $4, updated_at = NOW()
		WHERE id = $1`, rec.ID, rec.Diagnosis, rec.Notes, rec.Prescription)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) collect(rows pgx.Rows, err error) ([]*Record, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *recordRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM medical_records WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.collect(r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM medical_records
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset))
	return items, total, err
}

func (r *recordRepoPG) ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*Record, error) {
	return r.collect(r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM medical_records
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit))
}
