package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu     sync.Mutex
	events []*Event
	err    error
	delay  time.Duration
}

func (m *memStore) Insert(ctx context.Context, e *Event) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) all() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

func (f Filter) match(e *Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (m *memStore) Search(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	var out []*Event
	for _, e := range m.all() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *memStore) Summary(_ context.Context, since time.Time) (*Summary, error) {
	if m.err != nil {
		return nil, m.err
	}
	sum := &Summary{}
	byAction := map[string]int{}
	for _, e := range m.all() {
		if e.CreatedAt.Before(since) {
			continue
		}
		sum.TotalEvents++
		byAction[e.Action]++
	}
	for k, v := range byAction {
		sum.ByAction = append(sum.ByAction, Count{Key: k, Count: v})
	}
	return sum, nil
}

func (m *memStore) DistinctActions(context.Context) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range m.all() {
		if !seen[e.Action] {
			seen[e.Action] = true
			out = append(out, e.Action)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) DistinctResourceTypes(context.Context) ([]string, error) {
	return nil, errors.New("not implemented")
}
