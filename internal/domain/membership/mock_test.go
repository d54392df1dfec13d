package membership

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/db"
)

// memStore backs every in-memory repository. A single mutex makes each call
// atomic, which is what the conditional UPDATE gives the real store.
type memStore struct {
	mu           sync.Mutex
	plans        map[string]*Plan
	subs         map[uuid.UUID]*Subscription
	cycles       map[uuid.UUID]*Cycle
	events       []*AllowanceEvent
	coverage     map[uuid.UUID]*Coverage
	stripeEvents map[string]string
	createErr    error
}

func newMemStore() *memStore {
	m := &memStore{
		plans:        map[string]*Plan{},
		subs:         map[uuid.UUID]*Subscription{},
		cycles:       map[uuid.UUID]*Cycle{},
		coverage:     map[uuid.UUID]*Coverage{},
		stripeEvents: map[string]string{},
	}
	for _, p := range DefaultPlans() {
		m.plans[p.ID] = p
	}
	return m
}

func (m *memStore) repos() Repositories {
	return Repositories{
		Plans:         memPlans{m},
		Subscriptions: memSubs{m},
		Cycles:        memCycles{m},
		Events:        memEvents{m},
		Coverage:      memCoverage{m},
		StripeEvents:  memStripeEvents{m},
	}
}

func (m *memStore) eventsOf(t EventType) []*AllowanceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AllowanceEvent
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) cycle(id uuid.UUID) Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cycles[id]
}

var errDuplicateActiveCycle = errors.New("duplicate active cycle")

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memStore) {
	m := newMemStore()
	svc := NewService(m.repos(), db.NoopTransactor{}, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, m
}

// -- plans --

type memPlans struct{ m *memStore }

func (r memPlans) List(_ context.Context, activeOnly bool) ([]*Plan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Plan
	for _, p := range r.m.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalCount < out[j].IntervalCount })
	return out, nil
}

func (r memPlans) Get(_ context.Context, id string) (*Plan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memPlans) GetByStripePrice(_ context.Context, priceID string) (*Plan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.plans {
		if p.StripePriceID != nil && *p.StripePriceID == priceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (r memPlans) Upsert(_ context.Context, p *Plan) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *p
	r.m.plans[p.ID] = &cp
	return nil
}

// -- subscriptions --

type memSubs struct{ m *memStore }

func (r memSubs) Create(_ context.Context, s *Subscription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.createErr != nil {
		return r.m.createErr
	}
	for _, existing := range r.m.subs {
		if existing.PatientID == s.PatientID && existing.Status.Live() {
			return ErrSubscriptionExists
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = testNow
	s.UpdatedAt = testNow
	cp := *s
	r.m.subs[s.ID] = &cp
	return nil
}

func (r memSubs) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r memSubs) find(match func(*Subscription) bool) []*Subscription {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Subscription
	for _, s := range r.m.subs {
		if match(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	return out
}

func (r memSubs) GetByStripeID(_ context.Context, stripeID string) (*Subscription, error) {
	out := r.find(func(s *Subscription) bool {
		return s.StripeSubscriptionID != nil && *s.StripeSubscriptionID == stripeID
	})
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (r memSubs) GetLiveForPatient(_ context.Context, patientID uuid.UUID) (*Subscription, error) {
	out := r.find(func(s *Subscription) bool { return s.PatientID == patientID && s.Status.Live() })
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (r memSubs) ListForPatient(_ context.Context, patientID uuid.UUID) ([]*Subscription, error) {
	return r.find(func(s *Subscription) bool { return s.PatientID == patientID }), nil
}

func (r memSubs) Update(_ context.Context, s *Subscription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	r.m.subs[s.ID] = &cp
	return nil
}

func (r memSubs) ListRenewalsDue(_ context.Context, from, to time.Time) ([]*Subscription, error) {
	return r.find(func(s *Subscription) bool {
		return s.Status == StatusActive && !s.CurrentPeriodEnd.Before(from) && s.CurrentPeriodEnd.Before(to)
	}), nil
}

func (r memSubs) ListEnding(_ context.Context, at time.Time) ([]*Subscription, error) {
	return r.find(func(s *Subscription) bool {
		return s.Status == StatusPendingCancel && s.EndsAt != nil && !s.EndsAt.After(at)
	}), nil
}

func (r memSubs) ListPeriodAdvanced(_ context.Context, now time.Time) ([]*Subscription, error) {
	r.m.mu.Lock()
	active := map[uuid.UUID]*Cycle{}
	for _, c := range r.m.cycles {
		if c.IsActive {
			active[c.SubscriptionID] = c
		}
	}
	r.m.mu.Unlock()
	return r.find(func(s *Subscription) bool {
		c, ok := active[s.ID]
		return ok && s.Status == StatusActive && !c.CycleEnd.After(now) && !s.CurrentPeriodStart.Before(c.CycleEnd)
	}), nil
}

// -- cycles --

type memCycles struct{ m *memStore }

func (r memCycles) Create(_ context.Context, c *Cycle) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.cycles {
		if existing.SubscriptionID == c.SubscriptionID && existing.IsActive && c.IsActive {
			return errDuplicateActiveCycle
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	r.m.cycles[c.ID] = &cp
	return nil
}

func (r memCycles) get(id uuid.UUID) (*Cycle, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.cycles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memCycles) Get(_ context.Context, id uuid.UUID) (*Cycle, error) { return r.get(id) }

func (r memCycles) GetForUpdate(_ context.Context, id uuid.UUID) (*Cycle, error) { return r.get(id) }

func (r memCycles) GetActive(_ context.Context, subscriptionID uuid.UUID) (*Cycle, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.cycles {
		if c.SubscriptionID == subscriptionID && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memCycles) GetByPeriodStart(_ context.Context, subscriptionID uuid.UUID, start time.Time) (*Cycle, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.cycles {
		if c.SubscriptionID == subscriptionID && c.CycleStart.Equal(start) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memCycles) ListForSubscription(_ context.Context, subscriptionID uuid.UUID) ([]*Cycle, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Cycle
	for _, c := range r.m.cycles {
		if c.SubscriptionID == subscriptionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleStart.After(out[j].CycleStart) })
	return out, nil
}

func (r memCycles) Deactivate(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if c, ok := r.m.cycles[id]; ok {
		c.IsActive = false
	}
	return nil
}

func (r memCycles) TryConsume(_ context.Context, id uuid.UUID, amount int) (*Cycle, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.cycles[id]
	if !ok || !c.IsActive || c.AllowanceRemaining < amount {
		return nil, ErrAllowanceExhausted
	}
	c.AllowanceUsed += amount
	c.AllowanceRemaining -= amount
	cp := *c
	return &cp, nil
}

func (r memCycles) SetBalance(_ context.Context, id uuid.UUID, used, remaining int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.cycles[id]
	if !ok {
		return ErrNotFound
	}
	c.AllowanceUsed = used
	c.AllowanceRemaining = remaining
	return nil
}

// -- events --

type memEvents struct{ m *memStore }

func (r memEvents) Create(_ context.Context, e *AllowanceEvent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = testNow.Add(time.Duration(len(r.m.events)) * time.Second)
	cp := *e
	r.m.events = append(r.m.events, &cp)
	return nil
}

func (r memEvents) ListForSubscriptions(_ context.Context, ids []uuid.UUID, limit, offset int) ([]*AllowanceEvent, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var matched []*AllowanceEvent
	for i := len(r.m.events) - 1; i >= 0; i-- {
		if want[r.m.events[i].SubscriptionID] {
			matched = append(matched, r.m.events[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return []*AllowanceEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// -- coverage --

type memCoverage struct{ m *memStore }

func (r memCoverage) Create(_ context.Context, c *Coverage) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.coverage[c.AppointmentID]; ok {
		return ErrAlreadyCovered
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	r.m.coverage[c.AppointmentID] = &cp
	return nil
}

func (r memCoverage) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Coverage, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.coverage[appointmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memCoverage) GetByAppointmentForUpdate(ctx context.Context, appointmentID uuid.UUID) (*Coverage, error) {
	return r.GetByAppointment(ctx, appointmentID)
}

func (r memCoverage) MarkRestored(_ context.Context, id uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.coverage {
		if c.ID == id {
			c.Status = CoverageStatusRestored
			c.RestoredAt = &at
			return nil
		}
	}
	return ErrNotFound
}

// -- stripe events --

type memStripeEvents struct{ m *memStore }

func (r memStripeEvents) MarkProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.stripeEvents[eventID]; ok {
		return false, nil
	}
	r.m.stripeEvents[eventID] = eventType
	return true, nil
}
