package qualification

import (
	"context"
	"errors"
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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- qualifications --

const qualCols = `id, doctor_id, qualification_type, issuing_authority, qualification_number,
	issue_date, expiry_date, verification_status, verification_date, verification_method,
	verification_reference, eu_recognition_status, home_member_state, host_member_states,
	qualification_country, specialization, institution_name, created_at, updated_at`

func scanQualification(row pgx.Row) (*Qualification, error) {
	var q Qualification
	err := row.Scan(&q.ID, &q.DoctorID, &q.Type, &q.IssuingAuthority, &q.Number,
		&q.IssueDate, &q.ExpiryDate, &q.VerificationStatus, &q.VerificationDate, &q.VerificationMethod,
		&q.VerificationReference, &q.EURecognitionStatus, &q.HomeMemberState, &q.HostMemberStates,
		&q.Country, &q.Specialization, &q.InstitutionName, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

func (r *repoPG) CreateQualification(ctx context.Context, q *Qualification) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.HostMemberStates == nil {
		q.HostMemberStates = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_qualifications (id, doctor_id, qualification_type, issuing_authority,
			qualification_number, issue_date, expiry_date, verification_status, home_member_state,
			host_member_states, qualification_country, specialization, institution_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		q.ID, q.DoctorID, q.Type, q.IssuingAuthority, q.Number, q.IssueDate, q.ExpiryDate,
		q.VerificationStatus, q.HomeMemberState, q.HostMemberStates, q.Country, q.Specialization,
		q.InstitutionName,
	).Scan(&q.CreatedAt, &q.UpdatedAt)
}

func (r *repoPG) GetQualification(ctx context.Context, id uuid.UUID) (*Qualification, error) {
	return scanQualification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+qualCols+` FROM doctor_qualifications WHERE id = $1`, id))
}

func (r *repoPG) UpdateQualification(ctx context.Context, q *Qualification) error {
	return affected(r.conn(ctx).Exec(ctx, `
		UPDATE doctor_qualifications SET qualification_type=$2, issuing_authority=$3,
			qualification_number=$4, issue_date=$5, expiry_date=$6, verification_status=$7,
			verification_date=$8, verification_method=$9, verification_reference=$10,
			eu_recognition_status=$11, home_member_state=$12, host_member_states=$13,
			qualification_country=$14, specialization=$15, institution_name=$16, updated_at=NOW()
		WHERE id = $1`,
		q.ID, q.Type, q.IssuingAuthority, q.Number, q.IssueDate, q.ExpiryDate, q.VerificationStatus,
		q.VerificationDate, q.VerificationMethod, q.VerificationReference, q.EURecognitionStatus,
		q.HomeMemberState, q.HostMemberStates, q.Country, q.Specialization, q.InstitutionName))
}

func (r *repoPG) listQualifications(ctx context.Context, where string, arg interface{}) ([]*Qualification, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+qualCols+` FROM doctor_qualifications WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Qualification
	for rows.Next() {
		q, err := scanQualification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *repoPG) ListQualifications(ctx context.Context, doctorID uuid.UUID) ([]*Qualification, error) {
	return r.listQualifications(ctx, "doctor_id = $1", doctorID)
}

func (r *repoPG) ListVerifiedExpiringBefore(ctx context.Context, day time.Time) ([]*Qualification, error) {
	return r.listQualifications(ctx, "verification_status = 'verified' AND expiry_date < $1", day)
}

func (r *repoPG) AddVerificationLog(ctx context.Context, l *VerificationLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO qualification_verification_logs (id, doctor_id, qualification_id,
			verification_type, source, result, reference, verified_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		l.ID, l.DoctorID, l.QualificationID, l.Type, l.Source, l.Result, l.Reference, l.VerifiedBy, l.Notes,
	).Scan(&l.CreatedAt)
}

func (r *repoPG) ListVerificationLogs(ctx context.Context, qualificationID uuid.UUID) ([]*VerificationLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, doctor_id, qualification_id, verification_type, source, result, reference,
			verified_by, notes, created_at
		FROM qualification_verification_logs WHERE qualification_id = $1
		ORDER BY created_at DESC`, qualificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VerificationLog
	for rows.Next() {
		var l VerificationLog
		if err := rows.Scan(&l.ID, &l.DoctorID, &l.QualificationID, &l.Type, &l.Source, &l.Result,
			&l.Reference, &l.VerifiedBy, &l.Notes, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// -- insurance --

const insuranceCols = `id, doctor_id, insurance_provider, policy_number, coverage_amount,
	coverage_currency, coverage_territory, coverage_type, effective_date, expiry_date,
	verification_status, verification_date, verification_notes, meets_eu_requirements,
	created_at, updated_at`

func scanInsurance(row pgx.Row) (*Insurance, error) {
	var i Insurance
	err := row.Scan(&i.ID, &i.DoctorID, &i.Provider, &i.PolicyNumber, &i.CoverageAmount,
		&i.CoverageCurrency, &i.CoverageTerritory, &i.CoverageType, &i.EffectiveDate, &i.ExpiryDate,
		&i.VerificationStatus, &i.VerificationDate, &i.VerificationNotes, &i.MeetsEURequirements,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &i, nil
}

func (r *repoPG) CreateInsurance(ctx context.Context, i *Insurance) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO professional_insurance (id, doctor_id, insurance_provider, policy_number,
			coverage_amount, coverage_currency, coverage_territory, coverage_type, effective_date,
			expiry_date, verification_status, meets_eu_requirements)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		i.ID, i.DoctorID, i.Provider, i.PolicyNumber, i.CoverageAmount, i.CoverageCurrency,
		i.CoverageTerritory, i.CoverageType, i.EffectiveDate, i.ExpiryDate, i.VerificationStatus,
		i.MeetsEURequirements,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
}

func (r *repoPG) GetInsurance(ctx context.Context, id uuid.UUID) (*Insurance, error) {
	return scanInsurance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+insuranceCols+` FROM professional_insurance WHERE id = $1`, id))
}

func (r *repoPG) UpdateInsurance(ctx context.Context, i *Insurance) error {
	return affected(r.conn(ctx).Exec(ctx, `
		UPDATE professional_insurance SET verification_status=$2, verification_date=$3,
			verification_notes=$4, meets_eu_requirements=$5, updated_at=NOW()
		WHERE id = $1`,
		i.ID, i.VerificationStatus, i.VerificationDate, i.VerificationNotes, i.MeetsEURequirements))
}

func (r *repoPG) ListInsurance(ctx context.Context, doctorID uuid.UUID) ([]*Insurance, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+insuranceCols+` FROM professional_insurance
		WHERE doctor_id = $1 ORDER BY effective_date DESC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Insurance
	for rows.Next() {
		i, err := scanInsurance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// -- cross-border declarations --

const declarationCols = `id, doctor_id, declaration_type, home_member_state, host_member_state,
	declaration_date, validity_start_date, validity_end_date, services_to_provide, status,
	approval_date, rejection_reason, created_at, updated_at`

func scanDeclaration(row pgx.Row) (*Declaration, error) {
	var d Declaration
	err := row.Scan(&d.ID, &d.DoctorID, &d.Type, &d.HomeMemberState, &d.HostMemberState,
		&d.DeclarationDate, &d.ValidityStart, &d.ValidityEnd, &d.ServicesToProvide, &d.Status,
		&d.ApprovalDate, &d.RejectionReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *repoPG) CreateDeclaration(ctx context.Context, d *Declaration) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ServicesToProvide == nil {
		d.ServicesToProvide = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cross_border_declarations (id, doctor_id, declaration_type, home_member_state,
			host_member_state, declaration_date, validity_start_date, validity_end_date,
			services_to_provide, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		d.ID, d.DoctorID, d.Type, d.HomeMemberState, d.HostMemberState, d.DeclarationDate,
		d.ValidityStart, d.ValidityEnd, d.ServicesToProvide, d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *repoPG) GetDeclaration(ctx context.Context, id uuid.UUID) (*Declaration, error) {
	return scanDeclaration(r.conn(ctx).QueryRow(ctx,
		`SELECT `+declarationCols+` FROM cross_border_declarations WHERE id = $1`, id))
}

func (r *repoPG) UpdateDeclaration(ctx context.Context, d *Declaration) error {
	return affected(r.conn(ctx).Exec(ctx, `
		UPDATE cross_border_declarations SET status=$2, approval_date=$3, rejection_reason=$4,
			updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Status, d.ApprovalDate, d.RejectionReason))
}

func (r *repoPG) ListDeclarations(ctx context.Context, doctorID uuid.UUID) ([]*Declaration, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+declarationCols+` FROM cross_border_declarations
		WHERE doctor_id = $1 ORDER BY declaration_date DESC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Declaration
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// -- European Professional Card --

func (r *repoPG) GetCard(ctx context.Context, doctorID uuid.UUID) (*ProfessionalCard, error) {
	var c ProfessionalCard
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, doctor_id, epc_number, issue_date, expiry_date, issuing_authority, issuing_country,
			professional_title, specializations, recognized_in_countries, created_at, updated_at
		FROM eu_professional_cards WHERE doctor_id = $1`, doctorID,
	).Scan(&c.ID, &c.DoctorID, &c.Number, &c.IssueDate, &c.ExpiryDate, &c.IssuingAuthority,
		&c.IssuingCountry, &c.ProfessionalTitle, &c.Specializations, &c.RecognizedInCountries,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *repoPG) UpsertCard(ctx context.Context, c *ProfessionalCard) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Specializations == nil {
		c.Specializations = []string{}
	}
	if c.RecognizedInCountries == nil {
		c.RecognizedInCountries = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO eu_professional_cards (id, doctor_id, epc_number, issue_date, expiry_date,
			issuing_authority, issuing_country, professional_title, specializations,
			recognized_in_countries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (doctor_id) DO UPDATE SET epc_number=EXCLUDED.epc_number,
			issue_date=EXCLUDED.issue_date, expiry_date=EXCLUDED.expiry_date,
			issuing_authority=EXCLUDED.issuing_authority, issuing_country=EXCLUDED.issuing_country,
			professional_title=EXCLUDED.professional_title, specializations=EXCLUDED.specializations,
			recognized_in_countries=EXCLUDED.recognized_in_countries, updated_at=NOW()
		RETURNING id, created_at, updated_at`,
		c.ID, c.DoctorID, c.Number, c.IssueDate, c.ExpiryDate, c.IssuingAuthority, c.IssuingCountry,
		c.ProfessionalTitle, c.Specializations, c.RecognizedInCountries,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}
