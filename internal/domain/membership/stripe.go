package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const maxWebhookBody = 65536

// CustomerResolver maps a Stripe customer to a patient when the subscription
// metadata carries no patient id.
type CustomerResolver interface {
	PatientIDForStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error)
}

// StripeHandler receives Stripe webhooks and keeps local subscriptions in step.
type StripeHandler struct {
	svc       *Service
	secret    string
	customers CustomerResolver
	logger    zerolog.Logger
}

func NewStripeHandler(svc *Service, secret string, customers CustomerResolver, logger zerolog.Logger) *StripeHandler {
	return &StripeHandler{
		svc:       svc,
		secret:    secret,
		customers: customers,
		logger:    logger.With().Str("component", "stripe_webhook").Logger(),
	}
}

func (h *StripeHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/stripe", h.Receive)
}

func (h *StripeHandler) Receive(c echo.Context) error {
	if h.secret == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "stripe webhooks are not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read body")
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.Request().Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejected webhook signature")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	processed, err := h.svc.ProcessStripeEvent(c.Request().Context(), event, h.customers)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("webhook processing failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"received": true, "duplicate": !processed})
}

// ProcessStripeEvent applies one event at most once. It returns false when the
// event id was already processed. A failed event is not marked, so Stripe's
// retry reprocesses it.
func (s *Service) ProcessStripeEvent(ctx context.Context, event stripe.Event, customers CustomerResolver) (bool, error) {
	var fresh bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		fresh, err = s.stripeEvents.MarkProcessed(ctx, event.ID, string(event.Type))
		if err != nil || !fresh {
			return err
		}

		switch string(event.Type) {
		case "customer.subscription.created":
			var sub stripe.Subscription
			if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
				return fmt.Errorf("decode subscription: %w", err)
			}
			return s.stripeSubscriptionCreated(ctx, &sub, customers)
		case "customer.subscription.updated":
			var sub stripe.Subscription
			if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
				return fmt.Errorf("decode subscription: %w", err)
			}
			return s.stripeSubscriptionUpdated(ctx, &sub, customers)
		case "customer.subscription.deleted":
			var sub stripe.Subscription
			if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
				return fmt.Errorf("decode subscription: %w", err)
			}
			return s.stripeSubscriptionDeleted(ctx, &sub)
		case "invoice.payment_failed":
			var inv stripe.Invoice
			if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
				return fmt.Errorf("decode invoice: %w", err)
			}
			return s.stripePaymentFailed(ctx, &inv)
		default:
			s.logger.Debug().Str("type", string(event.Type)).Msg("ignoring stripe event")
			return nil
		}
	})
	return fresh, err
}

func (s *Service) stripeSubscriptionCreated(ctx context.Context, ss *stripe.Subscription, customers CustomerResolver) error {
	if ss.Status != stripe.SubscriptionStatusActive && ss.Status != stripe.SubscriptionStatusTrialing {
		s.logger.Info().Str("stripe_subscription_id", ss.ID).Str("status", string(ss.Status)).
			Msg("subscription not yet active, waiting for update")
		return nil
	}

	req, err := s.activateRequestFromStripe(ctx, ss, customers)
	if err != nil {
		return err
	}
	if _, err := s.ActivateSubscription(ctx, *req); err != nil {
		return fmt.Errorf("activate subscription %s: %w", ss.ID, err)
	}
	if ss.CancelAtPeriodEnd {
		local, err := s.subscriptions.GetByStripeID(ctx, ss.ID)
		if err != nil {
			return err
		}
		_, err = s.cancelLocal(ctx, local.ID, true)
		return err
	}
	return nil
}

func (s *Service) activateRequestFromStripe(ctx context.Context, ss *stripe.Subscription, customers CustomerResolver) (*ActivateRequest, error) {
	req := &ActivateRequest{
		StripeSubscriptionID: stringPtr(ss.ID),
		PeriodStart:          time.Unix(ss.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:            time.Unix(ss.CurrentPeriodEnd, 0).UTC(),
		Metadata:             ss.Metadata,
	}
	var customerID string
	if ss.Customer != nil && ss.Customer.ID != "" {
		customerID = ss.Customer.ID
		req.StripeCustomerID = stringPtr(customerID)
	}

	if raw := ss.Metadata["patientId"]; raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata patientId %q: %w", raw, err)
		}
		req.PatientID = id
	} else if customers != nil && customerID != "" {
		id, err := customers.PatientIDForStripeCustomer(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("resolve customer %s: %w", customerID, err)
		}
		req.PatientID = id
	}

	req.PlanID = ss.Metadata["planId"]
	if req.PlanID == "" && ss.Items != nil {
		for _, item := range ss.Items.Data {
			if item.Price == nil {
				continue
			}
			plan, err := s.plans.GetByStripePrice(ctx, item.Price.ID)
			if err == nil {
				req.PlanID = plan.ID
				break
			}
			if !errors.Is(err, ErrPlanNotFound) {
				return nil, err
			}
		}
	}

	if req.PatientID == uuid.Nil || req.PlanID == "" {
		return nil, ErrMissingStripeFields
	}
	return req, nil
}

func (s *Service) stripeSubscriptionUpdated(ctx context.Context, ss *stripe.Subscription, customers CustomerResolver) error {
	local, err := s.subscriptions.GetByStripeID(ctx, ss.ID)
	if errors.Is(err, ErrNotFound) {
		return s.stripeSubscriptionCreated(ctx, ss, customers)
	}
	if err != nil {
		return err
	}

	switch ss.Status {
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		_, err := s.SuspendSubscription(ctx, local.ID)
		return err
	case stripe.SubscriptionStatusCanceled:
		_, err := s.cancelLocal(ctx, local.ID, false)
		return err
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	default:
		return nil
	}

	if !local.Status.Live() {
		return nil
	}

	start := time.Unix(ss.CurrentPeriodStart, 0).UTC()
	end := time.Unix(ss.CurrentPeriodEnd, 0).UTC()
	if start.After(local.CurrentPeriodStart) {
		if _, err := s.RenewCycle(ctx, local.ID, start, end); err != nil {
			return err
		}
	}

	switch {
	case ss.CancelAtPeriodEnd && local.Status != StatusPendingCancel:
		_, err = s.cancelLocal(ctx, local.ID, true)
	case !ss.CancelAtPeriodEnd && local.Status != StatusActive:
		_, err = s.resumeLocal(ctx, local.ID)
	}
	return err
}

func (s *Service) stripeSubscriptionDeleted(ctx context.Context, ss *stripe.Subscription) error {
	local, err := s.subscriptions.GetByStripeID(ctx, ss.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.cancelLocal(ctx, local.ID, false)
	return err
}

func (s *Service) stripePaymentFailed(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	local, err := s.subscriptions.GetByStripeID(ctx, inv.Subscription.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Status != StatusActive && local.Status != StatusPendingCancel {
		return nil
	}
	_, err = s.SuspendSubscription(ctx, local.ID)
	return err
}

func stringPtr(s string) *string { return &s }
