package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/platform/db"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{items: map[uuid.UUID]*Appointment{}}
}

func (m *memRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt, a.UpdatedAt = testNow, testNow
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memRepo) list(match func(*Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.items {
		if match(a) {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledAt.After(all[j].ScheduledAt) })
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

func (m *memRepo) ListForPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (m *memRepo) ListForDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

// fakeCoverage is a single-patient allowance counter.
type fakeCoverage struct {
	mu        sync.Mutex
	member    uuid.UUID
	subID     uuid.UUID
	granted   int
	remaining int
	covered   map[uuid.UUID]bool
	// stealNext makes the next consume lose the race.
	stealNext bool
	restores  int
}

func newFakeCoverage(member uuid.UUID, granted int) *fakeCoverage {
	return &fakeCoverage{
		member:    member,
		subID:     uuid.New(),
		granted:   granted,
		remaining: granted,
		covered:   map[uuid.UUID]bool{},
	}
}

func (f *fakeCoverage) CheckCoverage(_ context.Context, patientID uuid.UUID, price decimal.Decimal, _ time.Time) (*membership.CoverageDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &membership.CoverageDecision{
		CoverageType:  membership.CoverageNone,
		OriginalPrice: price,
		PatientPays:   price,
	}
	if patientID != f.member {
		d.Reason = membership.ReasonNoSubscription
		return d, nil
	}
	if f.remaining <= 0 {
		d.Reason = membership.ReasonExhausted
		return d, nil
	}
	sub := f.subID
	d.Covered = true
	d.CoverageType = membership.CoverageFull
	d.SubscriptionID = &sub
	d.AllowanceRemaining = f.remaining
	d.CoveredAmount = price
	d.PatientPays = decimal.Zero
	return d, nil
}

func (f *fakeCoverage) ConsumeAllowance(_ context.Context, req membership.ConsumeRequest) (*membership.ConsumeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stealNext {
		f.stealNext = false
		f.remaining = 0
		return nil, membership.ErrAllowanceExhausted
	}
	if f.remaining <= 0 {
		return nil, membership.ErrAllowanceExhausted
	}
	f.remaining--
	f.covered[req.AppointmentID] = true
	return &membership.ConsumeResult{AllowanceRemaining: f.remaining}, nil
}

func (f *fakeCoverage) RestoreAllowance(_ context.Context, req membership.RestoreRequest) (*membership.RestoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.covered[req.AppointmentID] {
		return &membership.RestoreResult{AllowanceRemaining: f.remaining}, nil
	}
	delete(f.covered, req.AppointmentID)
	f.restores++
	if f.remaining < f.granted {
		f.remaining++
	}
	return &membership.RestoreResult{Restored: true, AllowanceRemaining: f.remaining}, nil
}

type sentMessage struct {
	template string
	to       string
	data     map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Send(_ context.Context, templateID, to string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{template: templateID, to: to, data: data})
	return nil
}

type fakeContacts map[uuid.UUID]*membership.Contact

func (f fakeContacts) ContactForPatient(_ context.Context, id uuid.UUID) (*membership.Contact, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return &membership.Contact{}, nil
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	coverage *fakeCoverage
	notifier *fakeNotifier
	member   uuid.UUID
	doctor   uuid.UUID
}

func newFixture(granted int) *fixture {
	member := uuid.New()
	f := &fixture{
		repo:     newMemRepo(),
		coverage: newFakeCoverage(member, granted),
		notifier: &fakeNotifier{},
		member:   member,
		doctor:   uuid.New(),
	}
	f.svc = NewService(f.repo, f.coverage, db.NoopTransactor{}, zerolog.Nop()).
		WithNotifications(fakeContacts{member: {Email: "ada@example.com", FirstName: "Ada"}}, f.notifier)
	f.svc.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) book(patientID uuid.UUID, at time.Time) *BookResult {
	res, err := f.svc.Book(context.Background(), BookRequest{
		PatientID:   patientID,
		DoctorID:    f.doctor,
		ScheduledAt: at,
		Price:       decimal.RequireFromString("35.00"),
	})
	if err != nil {
		panic(err)
	}
	return res
}
