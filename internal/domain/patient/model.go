package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("patient not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrErased     = errors.New("patient data has been erased")
	ErrInvalid    = errors.New("invalid patient data")
)

// Patient holds personal data. Email, Phone, DateOfBirth and Address are
// stored encrypted; EmailIndex is a blind index of the normalized email.
type Patient struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	EmailIndex       string     `json:"-"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	Phone            *string    `json:"phone,omitempty"`
	DateOfBirth      *string    `json:"dateOfBirth,omitempty"`
	Address          *string    `json:"address,omitempty"`
	Country          string     `json:"country"`
	StripeCustomerID *string    `json:"stripeCustomerId,omitempty"`
	ErasedAt         *time.Time `json:"erasedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Erased reports whether the patient has been pseudonymized.
func (p *Patient) Erased() bool { return p.ErasedAt != nil }

// UpdateRequest carries a partial profile update; nil fields are unchanged.
type UpdateRequest struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	Phone       *string `json:"phone"`
	DateOfBirth *string `json:"dateOfBirth"`
	Address     *string `json:"address"`
	Country     *string `json:"country"`
}
