package membership

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telecare/internal/platform/auth"
)

type billingCall struct {
	id     string
	op     string
	cancel bool
}

type fakeBilling struct {
	calls []billingCall
	err   error
}

func (f *fakeBilling) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) error {
	f.calls = append(f.calls, billingCall{id: id, op: "set_cancel_at_period_end", cancel: cancel})
	return f.err
}

func (f *fakeBilling) CancelNow(_ context.Context, id string) error {
	f.calls = append(f.calls, billingCall{id: id, op: "cancel_now", cancel: true})
	return f.err
}

// stripeBacked activates sub_B through the webhook and returns its patient.
func stripeBacked(t *testing.T, h *StripeHandler, start time.Time) uuid.UUID {
	t.Helper()
	patient := uuid.New()
	meta := map[string]string{"patientId": patient.String(), "planId": "monthly_plan"}
	payload := eventPayload(t, "evt_B1", "customer.subscription.created",
		stripeSubscriptionJSON("sub_B", "active", start, start.AddDate(0, 1, 0), false, meta))
	if rec := postWebhook(t, h, payload, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	return patient
}

func TestCancelOwn_StripeBackedWithoutBillingConflicts(t *testing.T) {
	sh, svc, _ := newStripeTest(nil)
	patient := stripeBacked(t, sh, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	h := NewHandler(svc, nil)
	c, _ := newMembershipRequest(http.MethodPost, "/api/membership/cancel", `{}`, patient, auth.RolePatient)
	if err := h.CancelOwn(c); httpStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	sub, _ := svc.subscriptions.GetByStripeID(context.Background(), "sub_B")
	if sub.Status != StatusActive || sub.CancelledAt != nil {
		t.Errorf("local state must not move, got %+v", sub)
	}
}

func TestCancelOwn_PushesToStripeAndSurvivesRenewal(t *testing.T) {
	sh, svc, _ := newStripeTest(nil)
	billing := &fakeBilling{}
	svc.WithBilling(billing)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	patient := stripeBacked(t, sh, start)

	h := NewHandler(svc, nil)
	c, _ := newMembershipRequest(http.MethodPost, "/api/membership/cancel", `{}`, patient, auth.RolePatient)
	if err := h.CancelOwn(c); err != nil {
		t.Fatal(err)
	}
	if len(billing.calls) != 1 || billing.calls[0] != (billingCall{id: "sub_B", op: "set_cancel_at_period_end", cancel: true}) {
		t.Fatalf("unexpected billing calls %+v", billing.calls)
	}

	// Stripe now reports the flag it was given.
	meta := map[string]string{"patientId": patient.String(), "planId": "monthly_plan"}
	payload := eventPayload(t, "evt_B2", "customer.subscription.updated",
		stripeSubscriptionJSON("sub_B", "active", start, end, true, meta))
	if rec := postWebhook(t, sh, payload, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sub, _ := svc.subscriptions.GetByStripeID(ctx, "sub_B")
	if sub.Status != StatusPendingCancel {
		t.Fatalf("expected pending_cancel after webhook, got %s", sub.Status)
	}
	if len(billing.calls) != 1 {
		t.Errorf("webhook handling must not call back into billing, got %+v", billing.calls)
	}
}

func TestCancelSubscription_BillingFailureKeepsLocalState(t *testing.T) {
	sh, svc, _ := newStripeTest(nil)
	svc.WithBilling(&fakeBilling{err: errors.New("card_declined")})
	stripeBacked(t, sh, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	sub, _ := svc.subscriptions.GetByStripeID(ctx, "sub_B")

	if _, err := svc.CancelSubscription(ctx, sub.ID, false); err == nil {
		t.Fatal("expected billing error")
	}
	sub, _ = svc.subscriptions.GetByStripeID(ctx, "sub_B")
	if sub.Status != StatusActive {
		t.Errorf("expected active, got %s", sub.Status)
	}
}

func TestCancelSubscription_ImmediateCancelsOnStripe(t *testing.T) {
	sh, svc, _ := newStripeTest(nil)
	billing := &fakeBilling{}
	svc.WithBilling(billing)
	stripeBacked(t, sh, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	sub, _ := svc.subscriptions.GetByStripeID(ctx, "sub_B")

	sub, err := svc.CancelSubscription(ctx, sub.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", sub.Status)
	}
	if len(billing.calls) != 1 || billing.calls[0].op != "cancel_now" {
		t.Errorf("unexpected billing calls %+v", billing.calls)
	}

	// Already finished: nothing to push.
	if _, err := svc.CancelSubscription(ctx, sub.ID, false); err != nil {
		t.Fatal(err)
	}
	if len(billing.calls) != 1 {
		t.Errorf("expected no further billing calls, got %+v", billing.calls)
	}
}

func TestReactivateOwn(t *testing.T) {
	sh, svc, _ := newStripeTest(nil)
	billing := &fakeBilling{}
	svc.WithBilling(billing)
	patient := stripeBacked(t, sh, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	h := NewHandler(svc, nil)

	c, _ := newMembershipRequest(http.MethodPost, "/api/membership/reactivate", ``, patient, auth.RolePatient)
	if err := h.ReactivateOwn(c); httpStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409 for an active subscription, got %v", err)
	}

	c, _ = newMembershipRequest(http.MethodPost, "/api/membership/cancel", `{}`, patient, auth.RolePatient)
	if err := h.CancelOwn(c); err != nil {
		t.Fatal(err)
	}
	c, _ = newMembershipRequest(http.MethodPost, "/api/membership/reactivate", ``, patient, auth.RolePatient)
	if err := h.ReactivateOwn(c); err != nil {
		t.Fatal(err)
	}

	sub, _ := svc.subscriptions.GetByStripeID(context.Background(), "sub_B")
	if sub.Status != StatusActive || sub.EndsAt != nil {
		t.Errorf("expected active without end date, got %+v", sub)
	}
	want := []billingCall{
		{id: "sub_B", op: "set_cancel_at_period_end", cancel: true},
		{id: "sub_B", op: "set_cancel_at_period_end", cancel: false},
	}
	if len(billing.calls) != len(want) {
		t.Fatalf("expected %d billing calls, got %+v", len(want), billing.calls)
	}
	for i := range want {
		if billing.calls[i] != want[i] {
			t.Errorf("call %d: expected %+v, got %+v", i, want[i], billing.calls[i])
		}
	}
}

func TestResumeSubscription_LocalOnlySkipsBilling(t *testing.T) {
	svc, _ := newTestService()
	billing := &fakeBilling{}
	svc.WithBilling(billing)
	ctx := context.Background()
	sub := activate(t, svc, "monthly_plan")

	if _, err := svc.CancelSubscription(ctx, sub.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := svc.ResumeSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if len(billing.calls) != 0 {
		t.Errorf("local subscription must not reach billing, got %+v", billing.calls)
	}
}
