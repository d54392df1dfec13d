package qualification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateQualification(ctx context.Context, q *Qualification) error
	GetQualification(ctx context.Context, id uuid.UUID) (*Qualification, error)
	UpdateQualification(ctx context.Context, q *Qualification) error
	ListQualifications(ctx context.Context, doctorID uuid.UUID) ([]*Qualification, error)
	// ListVerifiedExpiringBefore returns verified qualifications whose expiry
	// date falls before day.
	ListVerifiedExpiringBefore(ctx context.Context, day time.Time) ([]*Qualification, error)

	AddVerificationLog(ctx context.Context, l *VerificationLog) error
	ListVerificationLogs(ctx context.Context, qualificationID uuid.UUID) ([]*VerificationLog, error)

	CreateInsurance(ctx context.Context, i *Insurance) error
	GetInsurance(ctx context.Context, id uuid.UUID) (*Insurance, error)
	UpdateInsurance(ctx context.Context, i *Insurance) error
	ListInsurance(ctx context.Context, doctorID uuid.UUID) ([]*Insurance, error)

	CreateDeclaration(ctx context.Context, d *Declaration) error
	GetDeclaration(ctx context.Context, id uuid.UUID) (*Declaration, error)
	UpdateDeclaration(ctx context.Context, d *Declaration) error
	ListDeclarations(ctx context.Context, doctorID uuid.UUID) ([]*Declaration, error)

	GetCard(ctx context.Context, doctorID uuid.UUID) (*ProfessionalCard, error)
	// UpsertCard replaces the doctor's card, keeping its id.
	UpsertCard(ctx context.Context, c *ProfessionalCard) error
}
