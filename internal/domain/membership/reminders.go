package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/notification"
)

// Contact is the addressing data needed to email a patient.
type Contact struct {
	Email     string
	FirstName string
}

type ContactLookup interface {
	ContactForPatient(ctx context.Context, patientID uuid.UUID) (*Contact, error)
}

type Notifier interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) error
}

// Reminders emails patients whose membership renews in lead days.
type Reminders struct {
	svc      *Service
	contacts ContactLookup
	notifier Notifier
	lead     time.Duration
	logger   zerolog.Logger
}

func NewReminders(svc *Service, contacts ContactLookup, notifier Notifier, leadDays int, logger zerolog.Logger) *Reminders {
	return &Reminders{
		svc:      svc,
		contacts: contacts,
		notifier: notifier,
		lead:     time.Duration(leadDays) * 24 * time.Hour,
		logger:   logger.With().Str("component", "renewal_reminders").Logger(),
	}
}

// Run sends one reminder per active subscription whose period ends in
// [now+lead, now+lead+24h). Per-patient failures are logged and skipped.
func (r *Reminders) Run(ctx context.Context) error {
	sent, err := r.SendDue(ctx, r.svc.now())
	if err != nil {
		return err
	}
	r.logger.Info().Int("sent", sent).Msg("renewal reminders sent")
	return nil
}

func (r *Reminders) SendDue(ctx context.Context, now time.Time) (int, error) {
	from := now.Add(r.lead)
	subs, err := r.svc.subscriptions.ListRenewalsDue(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("list renewals due: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if err := r.remind(ctx, sub, now); err != nil {
			r.logger.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("renewal reminder failed")
			continue
		}
		sent++
	}
	return sent, nil
}

func (r *Reminders) remind(ctx context.Context, sub *Subscription, now time.Time) error {
	plan, err := r.svc.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	contact, err := r.contacts.ContactForPatient(ctx, sub.PatientID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact.Email == "" {
		return errors.New("patient has no email address")
	}

	remaining := 0
	if c, err := r.svc.cycles.GetActive(ctx, sub.ID); err == nil {
		remaining = c.AllowanceRemaining
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	return r.notifier.Send(ctx, notification.TemplateRenewalUpcoming, contact.Email, map[string]string{
		"patient_name":        contact.FirstName,
		"plan_name":           plan.Name,
		"renewal_date":        sub.CurrentPeriodEnd.Format("2006-01-02"),
		"days_until_renewal":  strconv.Itoa(daysUntil(now, sub.CurrentPeriodEnd)),
		"amount":              plan.Price.StringFixed(2),
		"currency":            plan.Currency,
		"allowance_remaining": strconv.Itoa(remaining),
	})
}

// SweepNow runs the lifecycle sweep at the current time. It has the shape of
// a scheduled job.
func (s *Service) SweepNow(ctx context.Context) error {
	_, err := s.SweepLifecycle(ctx, s.now())
	return err
}
