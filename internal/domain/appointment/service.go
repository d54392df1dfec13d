package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/db"
	"github.com/telecare/telecare/internal/platform/notification"
)

// Coverage is the slice of the membership engine that booking depends on.
type Coverage interface {
	CheckCoverage(ctx context.Context, patientID uuid.UUID, price decimal.Decimal, date time.Time) (*membership.CoverageDecision, error)
	ConsumeAllowance(ctx context.Context, req membership.ConsumeRequest) (*membership.ConsumeResult, error)
	RestoreAllowance(ctx context.Context, req membership.RestoreRequest) (*membership.RestoreResult, error)
}

type Service struct {
	repo     Repository
	coverage Coverage
	tx       db.Transactor
	contacts membership.ContactLookup
	notifier membership.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, coverage Coverage, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		coverage: coverage,
		tx:       tx,
		logger:   logger.With().Str("component", "appointments").Logger(),
		now:      time.Now,
	}
}

// WithNotifications enables confirmation and cancellation emails.
func (s *Service) WithNotifications(contacts membership.ContactLookup, notifier membership.Notifier) *Service {
	s.contacts = contacts
	s.notifier = notifier
	return s
}

func (s *Service) validate(req *BookRequest) error {
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: patient and doctor are required", ErrInvalid)
	}
	if req.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduledAt is required", ErrInvalid)
	}
	if !req.ScheduledAt.After(s.now()) {
		return fmt.Errorf("%w: scheduledAt must be in the future", ErrInvalid)
	}
	if req.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalid)
	}
	if req.DurationMinutes < 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDuration
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	return nil
}

// Book creates an appointment. When the patient's membership covers the
// date, one allowance unit is consumed in the same transaction. Losing the
// race for the last unit books the appointment as pay-per-visit instead.
func (s *Service) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	var result *BookResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		decision, err := s.coverage.CheckCoverage(ctx, req.PatientID, req.Price, req.ScheduledAt)
		if err != nil {
			return fmt.Errorf("check coverage: %w", err)
		}

		a := &Appointment{
			ID:              uuid.New(),
			PatientID:       req.PatientID,
			DoctorID:        req.DoctorID,
			ScheduledAt:     req.ScheduledAt,
			DurationMinutes: req.DurationMinutes,
			Price:           req.Price,
			Currency:        req.Currency,
			Status:          StatusPendingPayment,
			CoverageType:    membership.CoverageNone,
		}
		if decision.Covered {
			a.Status = StatusConfirmed
			a.CoverageType = membership.CoverageFull
		}
		if err := s.repo.Create(ctx, a); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		result = &BookResult{
			Appointment:        a,
			Covered:            decision.Covered,
			Reason:             decision.Reason,
			AllowanceRemaining: decision.AllowanceRemaining,
			AmountDue:          req.Price,
		}
		if !decision.Covered {
			return nil
		}

		consumed, err := s.coverage.ConsumeAllowance(ctx, membership.ConsumeRequest{
			SubscriptionID: *decision.SubscriptionID,
			AppointmentID:  a.ID,
			Price:          req.Price,
		})
		switch {
		case errors.Is(err, membership.ErrAllowanceExhausted), errors.Is(err, membership.ErrNoActiveCycle):
			s.logger.Info().Str("appointment_id", a.ID.String()).Msg("allowance taken concurrently, booking as pay-per-visit")
			a.Status = StatusPendingPayment
			a.CoverageType = membership.CoverageNone
			if err := s.repo.Update(ctx, a); err != nil {
				return fmt.Errorf("downgrade appointment: %w", err)
			}
			result.Covered = false
			result.Reason = membership.ReasonExhausted
			result.AllowanceRemaining = 0
			return nil
		case err != nil:
			return fmt.Errorf("consume allowance: %w", err)
		}

		result.AllowanceRemaining = consumed.AllowanceRemaining
		result.AmountDue = decimal.Zero
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", result.Appointment.ID.String()).
		Bool("covered", result.Covered).
		Msg("appointment booked")
	s.notifyConfirmed(ctx, result)
	return result, nil
}

func (s *Service) canAccess(a *Appointment, actor Actor) bool {
	switch actor.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleDoctor:
		return a.DoctorID == actor.UserID
	default:
		return a.PatientID == actor.UserID
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canAccess(a, actor) {
		return nil, ErrForbidden
	}
	return a, nil
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListForPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListForDoctor(ctx, doctorID, limit, offset)
}

// Cancel cancels an appointment and returns its allowance unit when it was
// covered. Cancelling an already cancelled appointment returns it unchanged.
// Patients and doctors must cancel at least CancellationWindow before start.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*CancelResult, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalid)
	}

	var (
		result  *CancelResult
		changed bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !s.canAccess(a, actor) {
			return ErrForbidden
		}
		if a.Status == StatusCancelled {
			result = &CancelResult{Appointment: a}
			return nil
		}
		if a.Status == StatusCompleted {
			return fmt.Errorf("%w: appointment already completed", ErrInvalidTransition)
		}
		now := s.now()
		if actor.Role != auth.RoleAdmin && a.ScheduledAt.Sub(now) < CancellationWindow {
			return ErrTooLate
		}

		by := actor.Role
		if by == "" {
			by = auth.RolePatient
		}
		a.Status = StatusCancelled
		a.CancellationReason = &reason
		a.CancelledBy = &by
		a.CancelledAt = &now
		if err := s.repo.Update(ctx, a); err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}

		changed = true
		result = &CancelResult{Appointment: a}
		if !a.Covered() {
			return nil
		}
		restored, err := s.coverage.RestoreAllowance(ctx, membership.RestoreRequest{
			AppointmentID: a.ID,
			Reason:        "Appointment cancelled: " + reason,
		})
		if err != nil {
			return fmt.Errorf("restore allowance: %w", err)
		}
		result.AllowanceRestored = restored.Restored
		result.AllowanceRemaining = restored.AllowanceRemaining
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		return result, nil
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Bool("allowance_restored", result.AllowanceRestored).
		Msg("appointment cancelled")
	s.notifyCancelled(ctx, result)
	return result, nil
}

// Complete marks a confirmed appointment as held. Only the appointment's
// doctor or an admin may complete it.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleAdmin && !(actor.Role == auth.RoleDoctor && a.DoctorID == actor.UserID) {
			return ErrForbidden
		}
		if a.Status == StatusCompleted {
			out = a
			return nil
		}
		if a.Status != StatusConfirmed {
			return fmt.Errorf("%w: cannot complete a %s appointment", ErrInvalidTransition, a.Status)
		}
		a.Status = StatusCompleted
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -- notifications --

func (s *Service) send(ctx context.Context, templateID string, a *Appointment, data map[string]string) {
	if s.notifier == nil || s.contacts == nil {
		return
	}
	log := s.logger.With().Str("appointment_id", a.ID.String()).Str("template", templateID).Logger()
	contact, err := s.contacts.ContactForPatient(ctx, a.PatientID)
	if err != nil {
		log.Warn().Err(err).Msg("contact lookup failed")
		return
	}
	if contact.Email == "" {
		return
	}
	data["patient_name"] = contact.FirstName
	data["date"] = a.ScheduledAt.UTC().Format("2006-01-02")
	data["time"] = a.ScheduledAt.UTC().Format("15:04")
	if err := s.notifier.Send(ctx, templateID, contact.Email, data); err != nil {
		log.Warn().Err(err).Msg("notification failed")
	}
}

func (s *Service) notifyConfirmed(ctx context.Context, r *BookResult) {
	coverage := "pay per visit"
	if r.Covered {
		coverage = "covered by your membership"
	}
	s.send(ctx, notification.TemplateAppointmentConfirmed, r.Appointment, map[string]string{
		"coverage":   coverage,
		"amount_due": r.AmountDue.StringFixed(2) + " " + r.Appointment.Currency,
	})
}

func (s *Service) notifyCancelled(ctx context.Context, r *CancelResult) {
	note := ""
	if r.AllowanceRestored {
		note = fmt.Sprintf("The consultation was returned to your membership allowance (%d remaining).", r.AllowanceRemaining)
	}
	s.send(ctx, notification.TemplateAppointmentCancelled, r.Appointment, map[string]string{
		"allowance_note": note,
	})
}
