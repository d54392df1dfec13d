package membership

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/platform/db"
)

// Service implements coverage decisions and the allowance ledger.
type Service struct {
	plans         PlanRepository
	subscriptions SubscriptionRepository
	cycles        CycleRepository
	events        EventRepository
	coverage      CoverageRepository
	stripeEvents  StripeEventRepository
	tx            db.Transactor
	billing       Billing
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(repos Repositories, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		plans:         repos.Plans,
		subscriptions: repos.Subscriptions,
		cycles:        repos.Cycles,
		events:        repos.Events,
		coverage:      repos.Coverage,
		stripeEvents:  repos.StripeEvents,
		tx:            tx,
		logger:        logger.With().Str("component", "membership").Logger(),
		now:           time.Now,
	}
}

// WithBilling sets the client used to mirror patient and admin lifecycle
// changes on Stripe-backed subscriptions.
func (s *Service) WithBilling(b Billing) *Service {
	s.billing = b
	return s
}

// -- plan catalog --

func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.plans.List(ctx, true)
}

func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return s.plans.Get(ctx, id)
}

// SeedPlans upserts the default catalog.
func (s *Service) SeedPlans(ctx context.Context) (int, error) {
	plans := DefaultPlans()
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, p := range plans {
			if err := s.plans.Upsert(ctx, p); err != nil {
				return fmt.Errorf("upsert plan %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(plans), nil
}

// -- coverage --

// CheckCoverage decides whether an appointment at date with the given price
// would be covered by the patient's membership. It never mutates state.
func (s *Service) CheckCoverage(ctx context.Context, patientID uuid.UUID, price decimal.Decimal, date time.Time) (*CoverageDecision, error) {
	notCovered := func(reason string) *CoverageDecision {
		return &CoverageDecision{
			Covered:       false,
			Reason:        reason,
			CoverageType:  CoverageNone,
			OriginalPrice: price,
			CoveredAmount: decimal.Zero,
			PatientPays:   price,
		}
	}

	sub, err := s.subscriptions.GetLiveForPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return notCovered(ReasonNoSubscription), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if !sub.Status.Covers() {
		d := notCovered(ReasonSubscriptionInactive)
		d.SubscriptionID = &sub.ID
		return d, nil
	}

	cycle, err := s.cycles.GetActive(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		d := notCovered(ReasonNoActiveCycle)
		d.SubscriptionID = &sub.ID
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active cycle: %w", err)
	}

	var reason string
	switch {
	case !cycle.Contains(date):
		reason = ReasonOutsideCycle
	case cycle.AllowanceRemaining <= 0:
		reason = ReasonExhausted
	}
	if reason != "" {
		d := notCovered(reason)
		d.SubscriptionID = &sub.ID
		d.CycleID = &cycle.ID
		d.AllowanceRemaining = cycle.AllowanceRemaining
		return d, nil
	}

	return &CoverageDecision{
		Covered:            true,
		CoverageType:       CoverageFull,
		SubscriptionID:     &sub.ID,
		CycleID:            &cycle.ID,
		AllowanceRemaining: cycle.AllowanceRemaining,
		OriginalPrice:      price,
		CoveredAmount:      price,
		PatientPays:        decimal.Zero,
	}, nil
}

// ConsumeAllowance takes amount units from the subscription's active cycle
// for one appointment. The decrement, the ledger event and the coverage
// record commit together; when the cycle cannot cover amount nothing changes
// and ErrAllowanceExhausted is returned.
func (s *Service) ConsumeAllowance(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	var result *ConsumeResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.coverage.GetByAppointment(ctx, req.AppointmentID); err == nil {
			return ErrAlreadyCovered
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("load coverage: %w", err)
		}

		active, err := s.cycles.GetActive(ctx, req.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return ErrNoActiveCycle
		}
		if err != nil {
			return fmt.Errorf("load active cycle: %w", err)
		}

		cycle, err := s.cycles.TryConsume(ctx, active.ID, req.Amount)
		if err != nil {
			return err
		}

		apptID := req.AppointmentID
		ev := &AllowanceEvent{
			SubscriptionID:  req.SubscriptionID,
			CycleID:         cycle.ID,
			AppointmentID:   &apptID,
			EventType:       EventConsumed,
			AllowanceChange: -req.Amount,
			AllowanceBefore: cycle.AllowanceRemaining + req.Amount,
			AllowanceAfter:  cycle.AllowanceRemaining,
			Reason:          "Appointment booked",
		}
		if err := s.events.Create(ctx, ev); err != nil {
			return fmt.Errorf("record consumed event: %w", err)
		}

		cov := &Coverage{
			AppointmentID:    req.AppointmentID,
			SubscriptionID:   req.SubscriptionID,
			CycleID:          cycle.ID,
			AllowanceEventID: &ev.ID,
			CoverageType:     CoverageFull,
			Status:           CoverageStatusConsumed,
			Amount:           req.Amount,
			OriginalPrice:    req.Price,
			CoveredAmount:    req.Price,
			PatientPaid:      decimal.Zero,
		}
		if err := s.coverage.Create(ctx, cov); err != nil {
			return err
		}

		result = &ConsumeResult{Coverage: cov, CycleID: cycle.ID, AllowanceRemaining: cycle.AllowanceRemaining}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", req.SubscriptionID.String()).
		Str("appointment_id", req.AppointmentID.String()).
		Int("remaining", result.AllowanceRemaining).
		Msg("allowance consumed")
	return result, nil
}

// RestoreAllowance credits back the allowance an appointment consumed,
// capped at the cycle's grant. Appointments without coverage, or whose
// coverage was already restored, return Restored=false.
func (s *Service) RestoreAllowance(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if req.Reason == "" {
		req.Reason = "Appointment cancelled"
	}

	result := &RestoreResult{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cov, err := s.coverage.GetByAppointmentForUpdate(ctx, req.AppointmentID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load coverage: %w", err)
		}
		if cov.Status == CoverageStatusRestored || cov.CoverageType != CoverageFull {
			return nil
		}

		cycle, err := s.cycles.GetForUpdate(ctx, cov.CycleID)
		if err != nil {
			return fmt.Errorf("load cycle %s: %w", cov.CycleID, err)
		}

		before := cycle.AllowanceRemaining
		after := before + req.Amount
		if after > cycle.AllowanceGranted {
			after = cycle.AllowanceGranted
		}
		if err := s.cycles.SetBalance(ctx, cycle.ID, cycle.AllowanceGranted-after, after); err != nil {
			return fmt.Errorf("update cycle balance: %w", err)
		}
		if err := s.coverage.MarkRestored(ctx, cov.ID, s.now()); err != nil {
			return fmt.Errorf("mark coverage restored: %w", err)
		}

		apptID := req.AppointmentID
		if err := s.events.Create(ctx, &AllowanceEvent{
			SubscriptionID:  cov.SubscriptionID,
			CycleID:         cycle.ID,
			AppointmentID:   &apptID,
			EventType:       EventRestored,
			AllowanceChange: after - before,
			AllowanceBefore: before,
			AllowanceAfter:  after,
			Reason:          req.Reason,
		}); err != nil {
			return fmt.Errorf("record restored event: %w", err)
		}

		result.Restored = true
		result.CycleID = &cycle.ID
		result.AllowanceRemaining = after
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Restored {
		s.logger.Info().
			Str("appointment_id", req.AppointmentID.String()).
			Int("remaining", result.AllowanceRemaining).
			Msg("allowance restored")
	}
	return result, nil
}

// -- lifecycle --

// ActivateSubscription creates a subscription with its first cycle. A repeat
// activation for a known Stripe subscription returns the existing record.
func (s *Service) ActivateSubscription(ctx context.Context, req ActivateRequest) (*Subscription, error) {
	plan, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if req.PeriodStart.IsZero() {
		req.PeriodStart = s.now().UTC()
	}
	if req.PeriodEnd.IsZero() {
		req.PeriodEnd = plan.PeriodEnd(req.PeriodStart)
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, ErrInvalidPeriod
	}

	var sub *Subscription
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if req.StripeSubscriptionID != nil {
			existing, err := s.subscriptions.GetByStripeID(ctx, *req.StripeSubscriptionID)
			if err == nil {
				sub = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if _, err := s.subscriptions.GetLiveForPatient(ctx, req.PatientID); err == nil {
			return ErrSubscriptionExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now()
		sub = &Subscription{
			PatientID:            req.PatientID,
			PlanID:               plan.ID,
			StripeSubscriptionID: req.StripeSubscriptionID,
			StripeCustomerID:     req.StripeCustomerID,
			Status:               StatusActive,
			CurrentPeriodStart:   req.PeriodStart,
			CurrentPeriodEnd:     req.PeriodEnd,
			ActivatedAt:          &now,
			Metadata:             req.Metadata,
		}
		if err := s.subscriptions.Create(ctx, sub); err != nil {
			return err
		}
		_, err := s.openCycle(ctx, sub, plan, req.PeriodStart, req.PeriodEnd, "Initial allowance grant")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", sub.ID.String()).
		Str("patient_id", sub.PatientID.String()).
		Str("plan_id", sub.PlanID).
		Msg("subscription activated")
	return sub, nil
}

// openCycle creates an active cycle with the plan's allowance and logs the grant.
func (s *Service) openCycle(ctx context.Context, sub *Subscription, plan *Plan, start, end time.Time, reason string) (*Cycle, error) {
	c := &Cycle{
		SubscriptionID:     sub.ID,
		CycleStart:         start,
		CycleEnd:           end,
		AllowanceGranted:   plan.AllowancePerCycle,
		AllowanceUsed:      0,
		AllowanceRemaining: plan.AllowancePerCycle,
		ResetDate:          end,
		IsActive:           true,
	}
	if err := s.cycles.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	if err := s.events.Create(ctx, &AllowanceEvent{
		SubscriptionID:  sub.ID,
		CycleID:         c.ID,
		EventType:       EventGranted,
		AllowanceChange: plan.AllowancePerCycle,
		AllowanceBefore: 0,
		AllowanceAfter:  plan.AllowancePerCycle,
		Reason:          reason,
		Metadata:        map[string]string{"planId": plan.ID},
	}); err != nil {
		return nil, fmt.Errorf("record grant event: %w", err)
	}
	return c, nil
}

// closeActiveCycle deactivates the current cycle, logging unused allowance
// as expired.
func (s *Service) closeActiveCycle(ctx context.Context, sub *Subscription, reason string) error {
	c, err := s.cycles.GetActive(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.cycles.Deactivate(ctx, c.ID); err != nil {
		return fmt.Errorf("deactivate cycle: %w", err)
	}
	if c.AllowanceRemaining == 0 {
		return nil
	}
	return s.events.Create(ctx, &AllowanceEvent{
		SubscriptionID:  sub.ID,
		CycleID:         c.ID,
		EventType:       EventExpired,
		AllowanceChange: -c.AllowanceRemaining,
		AllowanceBefore: c.AllowanceRemaining,
		AllowanceAfter:  0,
		Reason:          reason,
	})
}

// RenewCycle moves the subscription to a new billing period and opens a fresh
// cycle for it. Renewing to a period that already has a cycle is a no-op.
func (s *Service) RenewCycle(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*Cycle, error) {
	if !periodEnd.After(periodStart) {
		return nil, ErrInvalidPeriod
	}

	var cycle *Cycle
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		sub, err := s.subscriptions.Get(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.Status.Live() {
			return ErrInvalidTransition
		}
		plan, err := s.plans.Get(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		if existing, err := s.cycles.GetByPeriodStart(ctx, sub.ID, periodStart); err == nil {
			cycle = existing
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := s.closeActiveCycle(ctx, sub, "Cycle ended"); err != nil {
			return err
		}
		cycle, err = s.openCycle(ctx, sub, plan, periodStart, periodEnd, "Cycle renewal")
		if err != nil {
			return err
		}

		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		return s.subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", subscriptionID.String()).
		Time("cycle_start", cycle.CycleStart).
		Time("cycle_end", cycle.CycleEnd).
		Msg("cycle renewed")
	return cycle, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, fn func(sub *Subscription) error) (*Subscription, error) {
	var sub *Subscription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.subscriptions.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		return s.subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SuspendSubscription stops coverage until the subscription is resumed.
func (s *Service) SuspendSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.transition(ctx, id, func(sub *Subscription) error {
		switch sub.Status {
		case StatusSuspended:
			return nil
		case StatusActive, StatusPendingCancel:
			sub.Status = StatusSuspended
			return nil
		}
		return ErrInvalidTransition
	})
}

// ResumeSubscription reactivates a suspended or pending-cancel subscription.
// A Stripe-backed pending cancellation is withdrawn on Stripe first.
func (s *Service) ResumeSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusPendingCancel {
		if err := s.pushBilling(ctx, sub, func(ref string) error {
			return s.billing.SetCancelAtPeriodEnd(ctx, ref, false)
		}); err != nil {
			return nil, err
		}
	}
	return s.resumeLocal(ctx, id)
}

func (s *Service) resumeLocal(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.transition(ctx, id, func(sub *Subscription) error {
		switch sub.Status {
		case StatusActive:
			return nil
		case StatusSuspended, StatusPendingCancel:
			sub.Status = StatusActive
			sub.CancelledAt = nil
			sub.EndsAt = nil
			return nil
		}
		return ErrInvalidTransition
	})
}

// CancelSubscription cancels immediately, or at the end of the current
// period when atPeriodEnd is set. Cancelling a finished subscription is a no-op.
// A Stripe-backed subscription is changed on Stripe before local state moves;
// without a billing client the request fails with ErrBillingUnavailable.
func (s *Service) CancelSubscription(ctx context.Context, id uuid.UUID, atPeriodEnd bool) (*Subscription, error) {
	sub, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	alreadyDone := !sub.Status.Live() || (atPeriodEnd && sub.Status == StatusPendingCancel)
	if !alreadyDone {
		if err := s.pushBilling(ctx, sub, func(ref string) error {
			if atPeriodEnd {
				return s.billing.SetCancelAtPeriodEnd(ctx, ref, true)
			}
			return s.billing.CancelNow(ctx, ref)
		}); err != nil {
			return nil, err
		}
	}
	return s.cancelLocal(ctx, id, atPeriodEnd)
}

// pushBilling runs fn against the provider subscription id when sub is
// Stripe-backed. Local-only subscriptions pass through.
func (s *Service) pushBilling(ctx context.Context, sub *Subscription, fn func(ref string) error) error {
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		return nil
	}
	if s.billing == nil {
		return ErrBillingUnavailable
	}
	if err := fn(*sub.StripeSubscriptionID); err != nil {
		s.logger.Error().Err(err).
			Str("subscription_id", sub.ID.String()).
			Msg("billing provider update failed")
		return err
	}
	return nil
}

// cancelLocal applies a cancellation already decided by the provider.
func (s *Service) cancelLocal(ctx context.Context, id uuid.UUID, atPeriodEnd bool) (*Subscription, error) {
	var sub *Subscription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.subscriptions.Get(ctx, id)
		if err != nil {
			return err
		}
		if !sub.Status.Live() {
			return nil
		}

		now := s.now()
		sub.CancelledAt = &now
		if atPeriodEnd {
			if sub.Status == StatusPendingCancel {
				return nil
			}
			ends := sub.CurrentPeriodEnd
			sub.Status = StatusPendingCancel
			sub.EndsAt = &ends
			return s.subscriptions.Update(ctx, sub)
		}

		sub.Status = StatusCancelled
		sub.EndsAt = &now
		if err := s.closeActiveCycle(ctx, sub, "Subscription cancelled"); err != nil {
			return err
		}
		return s.subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", id.String()).
		Str("status", string(sub.Status)).
		Msg("subscription cancelled")
	return sub, nil
}

// SweepLifecycle ends pending cancellations whose end date passed and opens
// cycles for subscriptions whose billing period moved past their cycle.
func (s *Service) SweepLifecycle(ctx context.Context, now time.Time) (*SweepResult, error) {
	res := &SweepResult{}

	ending, err := s.subscriptions.ListEnding(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list ending subscriptions: %w", err)
	}
	for _, sub := range ending {
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			sub.Status = StatusEnded
			if err := s.closeActiveCycle(ctx, sub, "Subscription ended"); err != nil {
				return err
			}
			return s.subscriptions.Update(ctx, sub)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("end subscription failed")
			continue
		}
		res.Ended++
	}

	advanced, err := s.subscriptions.ListPeriodAdvanced(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list advanced subscriptions: %w", err)
	}
	for _, sub := range advanced {
		if _, err := s.RenewCycle(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("renew cycle failed")
			continue
		}
		res.Renewed++
	}

	if res.Ended > 0 || res.Renewed > 0 {
		s.logger.Info().Int("ended", res.Ended).Int("renewed", res.Renewed).Msg("lifecycle sweep")
	}
	return res, nil
}

// -- patient views --

// GetLiveSubscription returns the patient's current subscription.
func (s *Service) GetLiveSubscription(ctx context.Context, patientID uuid.UUID) (*Subscription, error) {
	return s.subscriptions.GetLiveForPatient(ctx, patientID)
}

func (s *Service) GetAllowanceStatus(ctx context.Context, patientID uuid.UUID) (*AllowanceStatus, error) {
	sub, err := s.subscriptions.GetLiveForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	status := &AllowanceStatus{Plan: plan, Subscription: sub}

	cycle, err := s.cycles.GetActive(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Cycle = cycle
	status.DaysUntilReset = daysUntil(s.now(), cycle.ResetDate)
	return status, nil
}

func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// GetAllowanceHistory lists allowance events across all of the patient's
// subscriptions, newest first.
func (s *Service) GetAllowanceHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AllowanceEvent, int, error) {
	subs, err := s.subscriptions.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	if len(subs) == 0 {
		return []*AllowanceEvent{}, 0, nil
	}
	ids := make([]uuid.UUID, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	return s.events.ListForSubscriptions(ctx, ids, limit, offset)
}

// SubscriptionsForPatient returns every subscription with its cycles. Used by
// the data export.
func (s *Service) SubscriptionsForPatient(ctx context.Context, patientID uuid.UUID) ([]*Subscription, map[uuid.UUID][]*Cycle, error) {
	subs, err := s.subscriptions.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	cycles := make(map[uuid.UUID][]*Cycle, len(subs))
	for _, sub := range subs {
		cs, err := s.cycles.ListForSubscription(ctx, sub.ID)
		if err != nil {
			return nil, nil, err
		}
		cycles[sub.ID] = cs
	}
	return subs, cycles, nil
}
