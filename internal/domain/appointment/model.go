package appointment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/domain/membership"
)

var (
	ErrNotFound          = errors.New("appointment not found")
	ErrInvalid           = errors.New("invalid appointment")
	ErrForbidden         = errors.New("not allowed to act on this appointment")
	ErrTooLate           = errors.New("changes are only allowed at least 1 hour before the consultation")
	ErrInvalidTransition = errors.New("invalid appointment status transition")
)

type Status string

const (
	StatusConfirmed      Status = "confirmed"
	StatusPendingPayment Status = "pending_payment"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
)

// CancellationWindow is how close to the start a non-admin may still cancel.
const CancellationWindow = time.Hour

const (
	DefaultDuration = 30
	DefaultCurrency = "EUR"
)

type Appointment struct {
	ID                 uuid.UUID       `json:"id"`
	PatientID          uuid.UUID       `json:"patientId"`
	DoctorID           uuid.UUID       `json:"doctorId"`
	ScheduledAt        time.Time       `json:"scheduledAt"`
	DurationMinutes    int             `json:"durationMinutes"`
	Price              decimal.Decimal `json:"price"`
	Currency           string          `json:"currency"`
	Status             Status          `json:"status"`
	CoverageType       string          `json:"coverageType"`
	CancellationReason *string         `json:"cancellationReason,omitempty"`
	CancelledBy        *string         `json:"cancelledBy,omitempty"`
	CancelledAt        *time.Time      `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Covered reports whether the appointment consumed membership allowance.
func (a *Appointment) Covered() bool {
	return a.CoverageType == membership.CoverageFull
}

type BookRequest struct {
	PatientID       uuid.UUID       `json:"patientId"`
	DoctorID        uuid.UUID       `json:"doctorId"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	DurationMinutes int             `json:"durationMinutes"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
}

type BookResult struct {
	Appointment        *Appointment    `json:"appointment"`
	Covered            bool            `json:"covered"`
	Reason             string          `json:"reason,omitempty"`
	AllowanceRemaining int             `json:"allowanceRemaining"`
	AmountDue          decimal.Decimal `json:"amountDue"`
}

type CancelResult struct {
	Appointment        *Appointment `json:"appointment"`
	AllowanceRestored  bool         `json:"allowanceRestored"`
	AllowanceRemaining int          `json:"allowanceRemaining"`
}

// Actor is the user performing an operation.
type Actor struct {
	UserID uuid.UUID
	Role   string
}
