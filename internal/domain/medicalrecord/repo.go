package medicalrecord

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error)
	// ListAfter pages through all records by id for key rotation.
	ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*Record, error)
}
