package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPlanNotFound        = errors.New("membership plan not found")
	ErrNoActiveCycle       = errors.New("no active allowance cycle")
	ErrAllowanceExhausted  = errors.New("allowance exhausted")
	ErrAlreadyCovered      = errors.New("appointment already consumed allowance")
	ErrSubscriptionExists  = errors.New("patient already has a live subscription")
	ErrInvalidTransition   = errors.New("invalid subscription status transition")
	ErrInvalidPeriod       = errors.New("period end must be after period start")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrMissingStripeFields = errors.New("stripe subscription is missing patient or plan")
	ErrBillingUnavailable  = errors.New("subscription is billed by stripe but no billing client is configured")
	ErrBillingFailed       = errors.New("billing provider rejected the change")
)

type SubscriptionStatus string

const (
	StatusActive        SubscriptionStatus = "active"
	StatusSuspended     SubscriptionStatus = "suspended"
	StatusPendingCancel SubscriptionStatus = "pending_cancel"
	StatusCancelled     SubscriptionStatus = "cancelled"
	StatusEnded         SubscriptionStatus = "ended"
)

// Live reports whether the subscription still occupies the patient's single
// subscription slot.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusSuspended || s == StatusPendingCancel
}

// Covers reports whether appointments may be covered in this status.
func (s SubscriptionStatus) Covers() bool {
	return s == StatusActive || s == StatusPendingCancel
}

type Plan struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Price             decimal.Decimal `json:"price"`
	Currency          string          `json:"currency"`
	BillingInterval   string          `json:"billingInterval"`
	IntervalCount     int             `json:"intervalCount"`
	AllowancePerCycle int             `json:"allowancePerCycle"`
	StripePriceID     *string         `json:"stripePriceId,omitempty"`
	IsActive          bool            `json:"isActive"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// PeriodEnd returns the end of a billing period that starts at start.
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, p.IntervalCount, 0)
}

type Subscription struct {
	ID                   uuid.UUID          `json:"id"`
	PatientID            uuid.UUID          `json:"patientId"`
	PlanID               string             `json:"planId"`
	StripeSubscriptionID *string            `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string            `json:"stripeCustomerId,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time          `json:"currentPeriodEnd"`
	ActivatedAt          *time.Time         `json:"activatedAt,omitempty"`
	CancelledAt          *time.Time         `json:"cancelledAt,omitempty"`
	EndsAt               *time.Time         `json:"endsAt,omitempty"`
	Metadata             map[string]string  `json:"metadata"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// Cycle is one allowance period. Granted always equals Used + Remaining.
type Cycle struct {
	ID                 uuid.UUID `json:"id"`
	SubscriptionID     uuid.UUID `json:"subscriptionId"`
	CycleStart         time.Time `json:"cycleStart"`
	CycleEnd           time.Time `json:"cycleEnd"`
	AllowanceGranted   int       `json:"allowanceGranted"`
	AllowanceUsed      int       `json:"allowanceUsed"`
	AllowanceRemaining int       `json:"allowanceRemaining"`
	ResetDate          time.Time `json:"resetDate"`
	IsActive           bool      `json:"isActive"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Contains reports whether t falls in [CycleStart, CycleEnd).
func (c *Cycle) Contains(t time.Time) bool {
	return !t.Before(c.CycleStart) && t.Before(c.CycleEnd)
}

type EventType string

const (
	EventGranted  EventType = "granted"
	EventConsumed EventType = "consumed"
	EventRestored EventType = "restored"
	EventExpired  EventType = "expired"
)

// AllowanceEvent is an append-only ledger entry for a cycle's balance.
type AllowanceEvent struct {
	ID              uuid.UUID         `json:"id"`
	SubscriptionID  uuid.UUID         `json:"subscriptionId"`
	CycleID         uuid.UUID         `json:"cycleId"`
	AppointmentID   *uuid.UUID        `json:"appointmentId,omitempty"`
	EventType       EventType         `json:"eventType"`
	AllowanceChange int               `json:"allowanceChange"`
	AllowanceBefore int               `json:"allowanceBefore"`
	AllowanceAfter  int               `json:"allowanceAfter"`
	Reason          string            `json:"reason"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

const (
	CoverageFull = "full_coverage"
	CoverageNone = "no_coverage"
)

const (
	CoverageStatusConsumed = "consumed"
	CoverageStatusRestored = "restored"
)

// Coverage links an appointment to the cycle it consumed allowance from.
type Coverage struct {
	ID               uuid.UUID       `json:"id"`
	AppointmentID    uuid.UUID       `json:"appointmentId"`
	SubscriptionID   uuid.UUID       `json:"subscriptionId"`
	CycleID          uuid.UUID       `json:"cycleId"`
	AllowanceEventID *uuid.UUID      `json:"allowanceEventId,omitempty"`
	CoverageType     string          `json:"coverageType"`
	Status           string          `json:"status"`
	Amount           int             `json:"amount"`
	OriginalPrice    decimal.Decimal `json:"originalPrice"`
	CoveredAmount    decimal.Decimal `json:"coveredAmount"`
	PatientPaid      decimal.Decimal `json:"patientPaid"`
	RestoredAt       *time.Time      `json:"restoredAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Reasons returned with a not-covered decision.
const (
	ReasonNoSubscription       = "no subscription"
	ReasonSubscriptionInactive = "subscription inactive"
	ReasonNoActiveCycle        = "no active cycle"
	ReasonOutsideCycle         = "outside cycle"
	ReasonExhausted            = "exhausted"
)

type CoverageDecision struct {
	Covered            bool            `json:"covered"`
	Reason             string          `json:"reason,omitempty"`
	CoverageType       string          `json:"coverageType"`
	SubscriptionID     *uuid.UUID      `json:"subscriptionId,omitempty"`
	CycleID            *uuid.UUID      `json:"cycleId,omitempty"`
	AllowanceRemaining int             `json:"allowanceRemaining"`
	OriginalPrice      decimal.Decimal `json:"originalPrice"`
	CoveredAmount      decimal.Decimal `json:"coveredAmount"`
	PatientPays        decimal.Decimal `json:"patientPays"`
}

type ConsumeRequest struct {
	SubscriptionID uuid.UUID
	AppointmentID  uuid.UUID
	Price          decimal.Decimal
	// Amount defaults to 1.
	Amount int
}

type ConsumeResult struct {
	Coverage           *Coverage `json:"coverage"`
	CycleID            uuid.UUID `json:"cycleId"`
	AllowanceRemaining int       `json:"allowanceRemaining"`
}

type RestoreRequest struct {
	AppointmentID uuid.UUID
	Reason        string
	// Amount defaults to 1.
	Amount int
}

type RestoreResult struct {
	Restored           bool       `json:"restored"`
	CycleID            *uuid.UUID `json:"cycleId,omitempty"`
	AllowanceRemaining int        `json:"allowanceRemaining"`
}

type ActivateRequest struct {
	PatientID            uuid.UUID         `json:"patientId"`
	PlanID               string            `json:"planId"`
	StripeSubscriptionID *string           `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string           `json:"stripeCustomerId,omitempty"`
	PeriodStart          time.Time         `json:"periodStart"`
	PeriodEnd            time.Time         `json:"periodEnd"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// AllowanceStatus is the patient-facing view of the current membership.
type AllowanceStatus struct {
	Plan           *Plan         `json:"plan"`
	Subscription   *Subscription `json:"subscription"`
	Cycle          *Cycle        `json:"cycle,omitempty"`
	DaysUntilReset int           `json:"daysUntilReset"`
}

type SweepResult struct {
	Ended   int `json:"ended"`
	Renewed int `json:"renewed"`
}
