package patient

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

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, email, email_index, first_name, last_name, phone, date_of_birth,
	address, country, stripe_customer_id, erased_at, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Email, &p.EmailIndex, &p.FirstName, &p.LastName, &p.Phone,
		&p.DateOfBirth, &p.Address, &p.Country, &p.StripeCustomerID, &p.ErasedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, email, email_index, first_name, last_name, phone, date_of_birth,
			address, country, stripe_customer_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		p.ID, p.Email, p.EmailIndex, p.FirstName, p.LastName, p.Phone, p.DateOfBirth,
		p.Address, p.Country, p.StripeCustomerID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *patientRepoPG) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByEmailIndex(ctx context.Context, index string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE email_index = $1 AND erased_at IS NULL`, index))
}

func (r *patientRepoPG) GetByStripeCustomer(ctx context.Context, customerID string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE stripe_customer_id = $1`, customerID))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET email=$2, email_index=$3, first_name=$4, last_name=$5, phone=$6,
			date_of_birth=$7, address=$8, country=$9, stripe_customer_id=$10, erased_at=$11,
			updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Email, p.EmailIndex, p.FirstName, p.LastName, p.Phone, p.DateOfBirth,
		p.Address, p.Country, p.StripeCustomerID, p.ErasedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
