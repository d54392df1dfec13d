package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

type consentStorePG struct{ pool *pgxpool.Pool }

func NewConsentStorePG(pool *pgxpool.Pool) ConsentStore {
	return &consentStorePG{pool: pool}
}

func (r *consentStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const consentCols = `id, user_id, consent_type, legal_basis, consent_given, consent_date, withdrawn_at,
	document_version, purposes, ip_address, user_agent, created_at, updated_at`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.UserID, &c.Type, &c.LegalBasis, &c.Given, &c.GivenAt, &c.WithdrawnAt,
		&c.DocumentVersion, &c.Purposes, &c.IPAddress, &c.UserAgent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *consentStorePG) CreateConsent(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO user_consents (id, user_id, consent_type, legal_basis, consent_given, consent_date,
			document_version, purposes, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		c.ID, c.UserID, c.Type, c.LegalBasis, c.Given, c.GivenAt, c.DocumentVersion, c.Purposes,
		c.IPAddress, c.UserAgent,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *consentStorePG) ActiveConsent(ctx context.Context, userID uuid.UUID, t ConsentType) (*Consent, error) {
	c, err := scanConsent(r.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM user_consents
		WHERE user_id = $1 AND consent_type = $2 AND withdrawn_at IS NULL
		ORDER BY consent_date DESC LIMIT 1
		FOR UPDATE`, userID, t))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveConsent
	}
	return c, err
}

func (r *consentStorePG) WithdrawConsent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_consents SET withdrawn_at = $2, updated_at = NOW()
		WHERE id = $1 AND withdrawn_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveConsent
	}
	return nil
}

func (r *consentStorePG) ListConsents(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*Consent, error) {
	where := "user_id = $1"
	if activeOnly {
		where += " AND withdrawn_at IS NULL"
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consentCols+` FROM user_consents
		WHERE `+where+` ORDER BY consent_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *consentStorePG) RecordProcessing(ctx context.Context, rec *ProcessingRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var encoded [3][]byte
	for i, v := range []map[string][]string{rec.DataCategories, rec.Recipients, rec.SecurityMeasures} {
		if v == nil {
			v = map[string][]string{}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode processing record: %w", err)
		}
		encoded[i] = b
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO gdpr_processing_records (id, user_id, processing_purpose, legal_basis,
			data_categories, retention_period, recipients, security_measures, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		rec.ID, rec.UserID, rec.Purpose, rec.LegalBasis, encoded[0], rec.RetentionPeriod,
		encoded[1], encoded[2], rec.RecordedBy,
	).Scan(&rec.CreatedAt)
}

func (r *consentStorePG) ListProcessing(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*ProcessingRecord, error) {
	conds := []string{"user_id = $1"}
	args := []interface{}{userID}
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, user_id, processing_purpose, legal_basis, data_categories, retention_period,
			recipients, security_measures, recorded_by, created_at
		FROM gdpr_processing_records WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ProcessingRecord
	for rows.Next() {
		var (
			rec                               ProcessingRecord
			categories, recipients, measures []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Purpose, &rec.LegalBasis, &categories,
			&rec.RetentionPeriod, &recipients, &measures, &rec.RecordedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			raw []byte
			dst *map[string][]string
		}{{categories, &rec.DataCategories}, {recipients, &rec.Recipients}, {measures, &rec.SecurityMeasures}} {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode processing record: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
