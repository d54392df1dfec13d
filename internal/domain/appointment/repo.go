package appointment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}
