package gdpr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/domain/appointment"
	"github.com/telecare/telecare/internal/domain/medicalrecord"
	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/domain/patient"
	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/db"
)

const pageSize = 500

type Patients interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	Pseudonymize(ctx context.Context, id uuid.UUID) error
}

type Appointments interface {
	ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*appointment.Appointment, int, error)
}

type Records interface {
	ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*medicalrecord.Record, int, error)
}

type Memberships interface {
	SubscriptionsForPatient(ctx context.Context, patientID uuid.UUID) ([]*membership.Subscription, map[uuid.UUID][]*membership.Cycle, error)
	GetAllowanceHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*membership.AllowanceEvent, int, error)
}

type AuditTrail interface {
	Search(ctx context.Context, f audit.Filter, limit, offset int) ([]*audit.Event, int, error)
}

// MembershipData is the membership part of an export.
type MembershipData struct {
	Subscriptions   []*membership.Subscription  `json:"subscriptions"`
	Cycles          []*membership.Cycle         `json:"cycles"`
	AllowanceEvents []*membership.AllowanceEvent `json:"allowanceEvents"`
}

type ExportMetadata struct {
	ExportedBy     string   `json:"exportedBy"`
	TotalRecords   int      `json:"totalRecords"`
	DataCategories []string `json:"dataCategories"`
}

// Export is everything held about one patient.
type Export struct {
	ExportDate     time.Time                  `json:"exportDate"`
	PatientID      uuid.UUID                  `json:"patientId"`
	PersonalData   *patient.Patient           `json:"personalData"`
	Appointments   []*appointment.Appointment `json:"appointments"`
	MedicalRecords []*medicalrecord.Record    `json:"medicalRecords"`
	Membership     MembershipData             `json:"membership"`
	Consents       []*Consent                 `json:"consents"`
	Processing     []*ProcessingRecord        `json:"processingRecords"`
	AuditTrail     []*audit.Event             `json:"auditTrail"`
	Metadata       ExportMetadata             `json:"metadata"`
}

type ErasureResult struct {
	PatientID uuid.UUID `json:"patientId"`
	ErasedAt  time.Time `json:"erasedAt"`
	// Retained names categories kept under their retention policy.
	Retained []string `json:"retained"`
}

type Service struct {
	patients     Patients
	appointments Appointments
	records      Records
	memberships  Memberships
	audit        AuditTrail
	consents     ConsentStore
	tx           db.Transactor
	retention    *RetentionService
	logger       zerolog.Logger
	now          func() time.Time
}

type Sources struct {
	Patients     Patients
	Appointments Appointments
	Records      Records
	Memberships  Memberships
	Audit        AuditTrail
}

func NewService(src Sources, retention *RetentionService, logger zerolog.Logger) *Service {
	return &Service{
		patients:     src.Patients,
		appointments: src.Appointments,
		records:      src.Records,
		memberships:  src.Memberships,
		audit:        src.Audit,
		tx:           db.NoopTransactor{},
		retention:    retention,
		logger:       logger.With().Str("component", "gdpr").Logger(),
		now:          time.Now,
	}
}

func (s *Service) Retention() *RetentionService { return s.retention }

// collect pages through a list function until every item is read.
func collect[T any](ctx context.Context, list func(ctx context.Context, limit, offset int) ([]T, int, error)) ([]T, error) {
	var all []T
	for offset := 0; ; offset += pageSize {
		page, total, err := list(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize || len(all) >= total {
			return all, nil
		}
	}
}

func (s *Service) auditTrail(ctx context.Context, patientID uuid.UUID) ([]*audit.Event, error) {
	seen := map[uuid.UUID]bool{}
	var out []*audit.Event
	for _, f := range []audit.Filter{{UserID: patientID.String()}, {ResourceID: patientID.String()}} {
		f := f
		events, err := collect(ctx, func(ctx context.Context, limit, offset int) ([]*audit.Event, int, error) {
			return s.audit.Search(ctx, f, limit, offset)
		})
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Export gathers the patient's personal data, appointments, medical records,
// membership ledger, consents and audit trail. When consents are enabled the
// export itself enters the processing ledger.
func (s *Service) Export(ctx context.Context, patientID uuid.UUID, exportedBy string) (*Export, error) {
	exp, err := s.gather(ctx, patientID, exportedBy)
	if err != nil {
		return nil, err
	}
	if s.consents != nil {
		if err := s.recordProcessing(ctx, accessRequestProcessing(patientID, exportedBy)); err != nil {
			return nil, fmt.Errorf("record export processing: %w", err)
		}
	}
	s.logger.Info().
		Str("patient_id", patientID.String()).
		Int("total_records", exp.Metadata.TotalRecords).
		Msg("gdpr export generated")
	return exp, nil
}

func (s *Service) gather(ctx context.Context, patientID uuid.UUID, exportedBy string) (*Export, error) {
	p, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	exp := &Export{
		ExportDate:   s.now().UTC(),
		PatientID:    patientID,
		PersonalData: p,
		Metadata:     ExportMetadata{ExportedBy: exportedBy, DataCategories: []string{ResourcePersonalData}},
	}
	addCategory := func(name string, n int) {
		if n > 0 {
			exp.Metadata.DataCategories = append(exp.Metadata.DataCategories, name)
		}
		exp.Metadata.TotalRecords += n
	}

	if exp.Appointments, err = collect(ctx, func(ctx context.Context, limit, offset int) ([]*appointment.Appointment, int, error) {
		return s.appointments.ListForPatient(ctx, patientID, limit, offset)
	}); err != nil {
		return nil, fmt.Errorf("export appointments: %w", err)
	}
	addCategory("appointments", len(exp.Appointments))

	if exp.MedicalRecords, err = collect(ctx, func(ctx context.Context, limit, offset int) ([]*medicalrecord.Record, int, error) {
		return s.records.ListForPatient(ctx, patientID, limit, offset)
	}); err != nil {
		return nil, fmt.Errorf("export medical records: %w", err)
	}
	addCategory("medical_records", len(exp.MedicalRecords))

	subs, cycles, err := s.memberships.SubscriptionsForPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("export subscriptions: %w", err)
	}
	exp.Membership.Subscriptions = subs
	for _, sub := range subs {
		exp.Membership.Cycles = append(exp.Membership.Cycles, cycles[sub.ID]...)
	}
	if exp.Membership.AllowanceEvents, err = collect(ctx, func(ctx context.Context, limit, offset int) ([]*membership.AllowanceEvent, int, error) {
		return s.memberships.GetAllowanceHistory(ctx, patientID, limit, offset)
	}); err != nil {
		return nil, fmt.Errorf("export allowance history: %w", err)
	}
	addCategory("membership", len(subs)+len(exp.Membership.Cycles)+len(exp.Membership.AllowanceEvents))

	if s.consents != nil {
		if exp.Consents, err = s.consents.ListConsents(ctx, patientID, false); err != nil {
			return nil, fmt.Errorf("export consents: %w", err)
		}
		if exp.Processing, err = s.consents.ListProcessing(ctx, patientID, time.Time{}, time.Time{}); err != nil {
			return nil, fmt.Errorf("export processing records: %w", err)
		}
		addCategory("consents", len(exp.Consents)+len(exp.Processing))
	}

	if exp.AuditTrail, err = s.auditTrail(ctx, patientID); err != nil {
		return nil, fmt.Errorf("export audit trail: %w", err)
	}
	addCategory("audit_trail", len(exp.AuditTrail))
	exp.Metadata.TotalRecords++
	return exp, nil
}

// Erase pseudonymizes the patient's personal data and withdraws their active
// consents. Medical, financial and audit records stay under their retention
// policies.
func (s *Service) Erase(ctx context.Context, patientID uuid.UUID) (*ErasureResult, error) {
	if err := s.patients.Pseudonymize(ctx, patientID); err != nil {
		return nil, err
	}
	if s.consents != nil {
		active, err := s.consents.ListConsents(ctx, patientID, true)
		if err != nil {
			return nil, fmt.Errorf("list consents: %w", err)
		}
		now := s.now().UTC()
		for _, c := range active {
			if err := s.consents.WithdrawConsent(ctx, c.ID, now); err != nil {
				return nil, fmt.Errorf("withdraw consent %s: %w", c.ID, err)
			}
		}
	}
	s.logger.Info().Str("patient_id", patientID.String()).Msg("gdpr erasure completed")
	return &ErasureResult{
		PatientID: patientID,
		ErasedAt:  s.now().UTC(),
		Retained:  []string{ResourceMedicalRecord, ResourceAppointment, ResourceFinancial, ResourceAuditLog},
	}, nil
}

// RetentionReport evaluates the lifecycle state of the patient's data under
// each policy.
func (s *Service) RetentionReport(ctx context.Context, patientID uuid.UUID) ([]RetentionSummary, error) {
	exp, err := s.gather(ctx, patientID, "")
	if err != nil {
		return nil, err
	}
	var appts, records, financial, trail []time.Time
	for _, a := range exp.Appointments {
		appts = append(appts, a.CreatedAt)
	}
	for _, r := range exp.MedicalRecords {
		records = append(records, r.CreatedAt)
	}
	for _, sub := range exp.Membership.Subscriptions {
		financial = append(financial, sub.CreatedAt)
	}
	for _, e := range exp.Membership.AllowanceEvents {
		financial = append(financial, e.CreatedAt)
	}
	for _, e := range exp.AuditTrail {
		trail = append(trail, e.CreatedAt)
	}
	return []RetentionSummary{
		s.retention.Summarize(ResourceAppointment, appts),
		s.retention.Summarize(ResourceMedicalRecord, records),
		s.retention.Summarize(ResourceFinancial, financial),
		s.retention.Summarize(ResourceAuditLog, trail),
	}, nil
}
