package qualification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/db"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	mu           sync.Mutex
	quals        map[uuid.UUID]*Qualification
	logs         []*VerificationLog
	insurance    map[uuid.UUID]*Insurance
	declarations map[uuid.UUID]*Declaration
	cards        map[uuid.UUID]*ProfessionalCard
}

func newMemRepo() *memRepo {
	return &memRepo{
		quals:        map[uuid.UUID]*Qualification{},
		insurance:    map[uuid.UUID]*Insurance{},
		declarations: map[uuid.UUID]*Declaration{},
		cards:        map[uuid.UUID]*ProfessionalCard{},
	}
}

func (m *memRepo) CreateQualification(_ context.Context, q *Qualification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.CreatedAt, q.UpdatedAt = testNow, testNow
	cp := *q
	m.quals[q.ID] = &cp
	return nil
}

func (m *memRepo) GetQualification(_ context.Context, id uuid.UUID) (*Qualification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *memRepo) UpdateQualification(_ context.Context, q *Qualification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quals[q.ID]; !ok {
		return ErrNotFound
	}
	cp := *q
	m.quals[q.ID] = &cp
	return nil
}

func (m *memRepo) filterQuals(match func(*Qualification) bool) []*Qualification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Qualification
	for _, q := range m.quals {
		if match(q) {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memRepo) ListQualifications(_ context.Context, doctorID uuid.UUID) ([]*Qualification, error) {
	return m.filterQuals(func(q *Qualification) bool { return q.DoctorID == doctorID }), nil
}

func (m *memRepo) ListVerifiedExpiringBefore(_ context.Context, day time.Time) ([]*Qualification, error) {
	return m.filterQuals(func(q *Qualification) bool {
		return q.VerificationStatus == StatusVerified && q.ExpiryDate != nil && q.ExpiryDate.Before(day)
	}), nil
}

func (m *memRepo) AddVerificationLog(_ context.Context, l *VerificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uuid.New()
	l.CreatedAt = testNow
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *memRepo) ListVerificationLogs(_ context.Context, qualificationID uuid.UUID) ([]*VerificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*VerificationLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].QualificationID == qualificationID {
			cp := *m.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) CreateInsurance(_ context.Context, i *Insurance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	cp := *i
	m.insurance[i.ID] = &cp
	return nil
}

func (m *memRepo) GetInsurance(_ context.Context, id uuid.UUID) (*Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.insurance[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *memRepo) UpdateInsurance(_ context.Context, i *Insurance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.insurance[i.ID]; !ok {
		return ErrNotFound
	}
	cp := *i
	m.insurance[i.ID] = &cp
	return nil
}

func (m *memRepo) ListInsurance(_ context.Context, doctorID uuid.UUID) ([]*Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Insurance
	for _, i := range m.insurance {
		if i.DoctorID == doctorID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EffectiveDate.After(out[b].EffectiveDate) })
	return out, nil
}

func (m *memRepo) CreateDeclaration(_ context.Context, d *Declaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	m.declarations[d.ID] = &cp
	return nil
}

func (m *memRepo) GetDeclaration(_ context.Context, id uuid.UUID) (*Declaration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.declarations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memRepo) UpdateDeclaration(_ context.Context, d *Declaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.declarations[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.declarations[d.ID] = &cp
	return nil
}

func (m *memRepo) ListDeclarations(_ context.Context, doctorID uuid.UUID) ([]*Declaration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Declaration
	for _, d := range m.declarations {
		if d.DoctorID == doctorID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DeclarationDate.After(out[b].DeclarationDate) })
	return out, nil
}

func (m *memRepo) GetCard(_ context.Context, doctorID uuid.UUID) (*ProfessionalCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[doctorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) UpsertCard(_ context.Context, c *ProfessionalCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cards[c.DoctorID]; ok {
		c.ID = existing.ID
	} else if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.cards[c.DoctorID] = &cp
	return nil
}

type stubRegistry struct {
	result *RegistryResult
	calls  int
}

func (s *stubRegistry) Lookup(_ context.Context, _ *Qualification) (*RegistryResult, error) {
	s.calls++
	return s.result, nil
}

func newTestService(registry Registry) (*Service, *memRepo) {
	repo := newMemRepo()
	if registry == nil {
		r := NewDirectiveRegistry()
		r.now = func() time.Time { return testNow }
		registry = r
	}
	svc := NewService(repo, registry, db.NoopTransactor{}, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
