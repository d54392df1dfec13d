package gdpr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/domain/appointment"
	"github.com/telecare/telecare/internal/domain/medicalrecord"
	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/domain/patient"
	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/db"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakePatients struct {
	patients map[uuid.UUID]*patient.Patient
	erased   []uuid.UUID
}

func (f *fakePatients) Get(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePatients) Pseudonymize(_ context.Context, id uuid.UUID) error {
	p, ok := f.patients[id]
	if !ok {
		return patient.ErrNotFound
	}
	now := testNow
	p.FirstName, p.LastName, p.ErasedAt = "Erased", "Patient", &now
	f.erased = append(f.erased, id)
	return nil
}

type fakeAppointments []*appointment.Appointment

func (f fakeAppointments) ListForPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*appointment.Appointment, int, error) {
	var out []*appointment.Appointment
	for _, a := range f {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return page(out, limit, offset)
}

type fakeRecords []*medicalrecord.Record

func (f fakeRecords) ListForPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*medicalrecord.Record, int, error) {
	var out []*medicalrecord.Record
	for _, r := range f {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return page(out, limit, offset)
}

type fakeMemberships struct {
	subs   []*membership.Subscription
	cycles map[uuid.UUID][]*membership.Cycle
	events []*membership.AllowanceEvent
}

func (f *fakeMemberships) SubscriptionsForPatient(_ context.Context, _ uuid.UUID) ([]*membership.Subscription, map[uuid.UUID][]*membership.Cycle, error) {
	return f.subs, f.cycles, nil
}

func (f *fakeMemberships) GetAllowanceHistory(_ context.Context, _ uuid.UUID, limit, offset int) ([]*membership.AllowanceEvent, int, error) {
	return page(f.events, limit, offset)
}

type fakeAudit []*audit.Event

func (f fakeAudit) Search(_ context.Context, flt audit.Filter, limit, offset int) ([]*audit.Event, int, error) {
	var out []*audit.Event
	for _, e := range f {
		if (flt.UserID == "" || e.UserID == flt.UserID) && (flt.ResourceID == "" || e.ResourceID == flt.ResourceID) {
			out = append(out, e)
		}
	}
	return page(out, limit, offset)
}

func page[T any](all []T, limit, offset int) ([]T, int, error) {
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type fixture struct {
	svc      *Service
	patients *fakePatients
	member   uuid.UUID
}

// newFixture seeds one patient with an appointment, a record, a monthly
// membership and a small audit trail.
func newFixture() *fixture {
	member := uuid.New()
	phone := "+33 6 12 34 56 78"
	subID := uuid.New()
	cycleID := uuid.New()
	reason := "Schedule conflict"

	patients := &fakePatients{patients: map[uuid.UUID]*patient.Patient{
		member: {ID: member, Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", Phone: &phone, Country: "FR", CreatedAt: testNow.AddDate(-1, 0, 0)},
	}}
	appts := fakeAppointments{
		{ID: uuid.New(), PatientID: member, DoctorID: uuid.New(), ScheduledAt: testNow.AddDate(0, 0, -3), Price: decimal.RequireFromString("35"), Currency: "EUR", Status: appointment.StatusCompleted, CoverageType: membership.CoverageFull, CreatedAt: testNow.AddDate(0, 0, -10)},
		{ID: uuid.New(), PatientID: member, DoctorID: uuid.New(), ScheduledAt: testNow.AddDate(-2, 0, 0), Price: decimal.RequireFromString("35"), Currency: "EUR", Status: appointment.StatusCancelled, CoverageType: membership.CoverageNone, CancellationReason: &reason, CreatedAt: testNow.AddDate(-2, 0, -1)},
		{ID: uuid.New(), PatientID: uuid.New(), DoctorID: uuid.New(), ScheduledAt: testNow, Price: decimal.Zero, Currency: "EUR", Status: appointment.StatusConfirmed, CreatedAt: testNow},
	}
	records := fakeRecords{
		{ID: uuid.New(), PatientID: member, DoctorID: uuid.New(), Diagnosis: "Seasonal allergy", Notes: "Antihistamine", CreatedAt: testNow.AddDate(0, 0, -3)},
	}
	memberships := &fakeMemberships{
		subs: []*membership.Subscription{{ID: subID, PatientID: member, PlanID: "monthly_plan", Status: membership.StatusActive, CurrentPeriodStart: testNow.AddDate(0, 0, -9), CurrentPeriodEnd: testNow.AddDate(0, 0, 22), CreatedAt: testNow.AddDate(0, -1, 0)}},
		cycles: map[uuid.UUID][]*membership.Cycle{subID: {
			{ID: cycleID, SubscriptionID: subID, CycleStart: testNow.AddDate(0, 0, -9), CycleEnd: testNow.AddDate(0, 0, 22), AllowanceGranted: 2, AllowanceUsed: 1, AllowanceRemaining: 1, IsActive: true},
		}},
		events: []*membership.AllowanceEvent{
			{ID: uuid.New(), SubscriptionID: subID, CycleID: cycleID, EventType: membership.EventGranted, AllowanceChange: 2, AllowanceAfter: 2, Reason: "Initial allowance grant", CreatedAt: testNow.AddDate(0, 0, -9)},
			{ID: uuid.New(), SubscriptionID: subID, CycleID: cycleID, EventType: membership.EventConsumed, AllowanceChange: -1, AllowanceBefore: 2, AllowanceAfter: 1, Reason: "Appointment booked", CreatedAt: testNow.AddDate(0, 0, -10)},
		},
	}
	shared := uuid.New()
	trail := fakeAudit{
		{ID: shared, UserID: member.String(), Action: "patient_data_view", ResourceType: "user_data", ResourceID: member.String(), CreatedAt: testNow.AddDate(0, 0, -1)},
		{ID: uuid.New(), UserID: "doctor-1", Action: "patient_data_view", ResourceType: "medical_record", ResourceID: member.String(), CreatedAt: testNow.AddDate(0, 0, -2)},
		{ID: uuid.New(), UserID: "someone-else", Action: "patient_data_view", ResourceID: uuid.NewString(), CreatedAt: testNow},
	}

	retention := NewRetentionService(DefaultRetentionPolicies(), zerolog.Nop())
	retention.now = func() time.Time { return testNow }
	svc := NewService(Sources{
		Patients:     patients,
		Appointments: appts,
		Records:      records,
		Memberships:  memberships,
		Audit:        trail,
	}, retention, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return &fixture{svc: svc, patients: patients, member: member}
}

type memConsentStore struct {
	mu         sync.Mutex
	consents   []*Consent
	processing []*ProcessingRecord
}

func (m *memConsentStore) CreateConsent(_ context.Context, c *Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt, c.UpdatedAt = c.GivenAt, c.GivenAt
	cp := *c
	m.consents = append(m.consents, &cp)
	return nil
}

func (m *memConsentStore) ActiveConsent(_ context.Context, userID uuid.UUID, t ConsentType) (*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.consents) - 1; i >= 0; i-- {
		c := m.consents[i]
		if c.UserID == userID && c.Type == t && c.WithdrawnAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNoActiveConsent
}

func (m *memConsentStore) WithdrawConsent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consents {
		if c.ID == id && c.WithdrawnAt == nil {
			c.WithdrawnAt = &at
			return nil
		}
	}
	return ErrNoActiveConsent
}

func (m *memConsentStore) ListConsents(_ context.Context, userID uuid.UUID, activeOnly bool) ([]*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consent
	for i := len(m.consents) - 1; i >= 0; i-- {
		c := m.consents[i]
		if c.UserID != userID || (activeOnly && c.WithdrawnAt != nil) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memConsentStore) RecordProcessing(_ context.Context, r *ProcessingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = testNow
	}
	cp := *r
	m.processing = append(m.processing, &cp)
	return nil
}

func (m *memConsentStore) ListProcessing(_ context.Context, userID uuid.UUID, from, to time.Time) ([]*ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcessingRecord
	for _, r := range m.processing {
		if r.UserID != userID {
			continue
		}
		if (!from.IsZero() && r.CreatedAt.Before(from)) || (!to.IsZero() && r.CreatedAt.After(to)) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// withConsents enables consent management on the fixture's service.
func (f *fixture) withConsents() *memConsentStore {
	store := &memConsentStore{}
	f.svc.WithConsents(store, db.NoopTransactor{})
	return store
}
