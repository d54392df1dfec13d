package membership

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PlanRepository interface {
	List(ctx context.Context, activeOnly bool) ([]*Plan, error)
	Get(ctx context.Context, id string) (*Plan, error)
	GetByStripePrice(ctx context.Context, priceID string) (*Plan, error)
	Upsert(ctx context.Context, p *Plan) error
}

type SubscriptionRepository interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)
	// GetLiveForPatient returns the patient's active, suspended or
	// pending_cancel subscription.
	GetLiveForPatient(ctx context.Context, patientID uuid.UUID) (*Subscription, error)
	ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	// ListRenewalsDue returns active subscriptions whose period ends in [from, to).
	ListRenewalsDue(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	// ListEnding returns pending_cancel subscriptions with EndsAt <= at.
	ListEnding(ctx context.Context, at time.Time) ([]*Subscription, error)
	// ListPeriodAdvanced returns active subscriptions whose active cycle ended
	// at or before now while the subscription period has moved past it.
	ListPeriodAdvanced(ctx context.Context, now time.Time) ([]*Subscription, error)
}

type CycleRepository interface {
	Create(ctx context.Context, c *Cycle) error
	Get(ctx context.Context, id uuid.UUID) (*Cycle, error)
	// GetForUpdate row-locks the cycle for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Cycle, error)
	GetActive(ctx context.Context, subscriptionID uuid.UUID) (*Cycle, error)
	GetByPeriodStart(ctx context.Context, subscriptionID uuid.UUID, start time.Time) (*Cycle, error)
	ListForSubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Cycle, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	// TryConsume decrements remaining by amount only if the cycle is active
	// and holds at least amount; otherwise ErrAllowanceExhausted.
	TryConsume(ctx context.Context, id uuid.UUID, amount int) (*Cycle, error)
	SetBalance(ctx context.Context, id uuid.UUID, used, remaining int) error
}

type EventRepository interface {
	Create(ctx context.Context, e *AllowanceEvent) error
	ListForSubscriptions(ctx context.Context, subscriptionIDs []uuid.UUID, limit, offset int) ([]*AllowanceEvent, int, error)
}

type CoverageRepository interface {
	// Create fails with ErrAlreadyCovered when the appointment has a record.
	Create(ctx context.Context, c *Coverage) error
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Coverage, error)
	GetByAppointmentForUpdate(ctx context.Context, appointmentID uuid.UUID) (*Coverage, error)
	MarkRestored(ctx context.Context, id uuid.UUID, at time.Time) error
}

type StripeEventRepository interface {
	// MarkProcessed records the event id; false means it was seen before.
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// Repositories groups the storage the service depends on.
type Repositories struct {
	Plans         PlanRepository
	Subscriptions SubscriptionRepository
	Cycles        CycleRepository
	Events        EventRepository
	Coverage      CoverageRepository
	StripeEvents  StripeEventRepository
}
