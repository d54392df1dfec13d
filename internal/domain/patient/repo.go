package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores patients with their sensitive fields already encrypted.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByEmailIndex(ctx context.Context, index string) (*Patient, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	// ListAfter returns up to limit patients with id > after, ordered by id.
	ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*Patient, error)
}
