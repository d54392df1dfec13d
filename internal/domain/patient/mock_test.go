package patient

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/encryption"
)

const (
	keyV1 = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	keyV2 = "1f1e1d1c1b1a191817161514131211100f0e0d0c0b0a09080706050403020100"
)

type memRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
}

func newMemRepo() *memRepo {
	return &memRepo{patients: map[uuid.UUID]*Patient{}}
}

func copyPatient(p *Patient) *Patient {
	cp := *p
	cp.Phone = clonePtr(p.Phone)
	cp.DateOfBirth = clonePtr(p.DateOfBirth)
	cp.Address = clonePtr(p.Address)
	return &cp
}

func (m *memRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.patients[p.ID] = copyPatient(p)
	return nil
}

func (m *memRepo) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPatient(p), nil
}

func (m *memRepo) GetByEmailIndex(_ context.Context, index string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.EmailIndex == index && p.ErasedAt == nil {
			return copyPatient(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) GetByStripeCustomer(_ context.Context, customerID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.StripeCustomerID != nil && *p.StripeCustomerID == customerID {
			return copyPatient(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	m.patients[p.ID] = copyPatient(p)
	return nil
}

func (m *memRepo) ListAfter(_ context.Context, after uuid.UUID, limit int) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Patient
	for _, p := range m.patients {
		if p.ID.String() > after.String() {
			all = append(all, copyPatient(p))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memRepo) raw(id uuid.UUID) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyPatient(m.patients[id])
}

func newCipher(t *testing.T, opts encryption.Options) *encryption.Service {
	t.Helper()
	svc, err := encryption.NewService(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("encryption service: %v", err)
	}
	return svc
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	return NewService(repo, newCipher(t, encryption.Options{Key: keyV1, Version: 1}), zerolog.Nop()), repo
}

func strPtr(s string) *string { return &s }
