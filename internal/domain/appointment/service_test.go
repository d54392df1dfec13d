package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/notification"
)

func TestBook_CoveredConsumesAllowance(t *testing.T) {
	f := newFixture(2)
	res := f.book(f.member, testNow.Add(48*time.Hour))

	if !res.Covered {
		t.Fatalf("expected covered booking, got reason %q", res.Reason)
	}
	if res.Appointment.Status != StatusConfirmed || res.Appointment.CoverageType != membership.CoverageFull {
		t.Errorf("unexpected appointment state %s/%s", res.Appointment.Status, res.Appointment.CoverageType)
	}
	if res.AllowanceRemaining != 1 {
		t.Errorf("expected 1 remaining, got %d", res.AllowanceRemaining)
	}
	if !res.AmountDue.IsZero() {
		t.Errorf("expected nothing due, got %s", res.AmountDue)
	}
	if res.Appointment.DurationMinutes != DefaultDuration || res.Appointment.Currency != DefaultCurrency {
		t.Errorf("defaults not applied: %d %s", res.Appointment.DurationMinutes, res.Appointment.Currency)
	}
}

func TestBook_NonMemberPaysPerVisit(t *testing.T) {
	f := newFixture(2)
	res := f.book(uuid.New(), testNow.Add(48*time.Hour))

	if res.Covered {
		t.Fatal("expected uncovered booking")
	}
	if res.Appointment.Status != StatusPendingPayment {
		t.Errorf("expected pending_payment, got %s", res.Appointment.Status)
	}
	if !res.AmountDue.Equal(decimal.RequireFromString("35")) {
		t.Errorf("expected full price due, got %s", res.AmountDue)
	}
	if f.coverage.remaining != 2 {
		t.Errorf("allowance must be untouched, got %d", f.coverage.remaining)
	}
}

func TestBook_LostRaceDegradesToPayPerVisit(t *testing.T) {
	f := newFixture(1)
	f.coverage.stealNext = true

	res := f.book(f.member, testNow.Add(48*time.Hour))
	if res.Covered {
		t.Fatal("expected booking to fall back to pay-per-visit")
	}
	if res.Reason != membership.ReasonExhausted {
		t.Errorf("expected reason %q, got %q", membership.ReasonExhausted, res.Reason)
	}
	stored, _ := f.repo.Get(context.Background(), res.Appointment.ID)
	if stored.Status != StatusPendingPayment || stored.CoverageType != membership.CoverageNone {
		t.Errorf("stored appointment not downgraded: %s/%s", stored.Status, stored.CoverageType)
	}
}

func TestBook_MonthlySequence(t *testing.T) {
	f := newFixture(2)
	at := testNow.Add(72 * time.Hour)

	first := f.book(f.member, at)
	second := f.book(f.member, at.Add(time.Hour))
	third := f.book(f.member, at.Add(2*time.Hour))

	if !first.Covered || !second.Covered {
		t.Fatal("first two bookings should be covered")
	}
	if third.Covered || third.AllowanceRemaining != 0 {
		t.Fatalf("third booking should be rejected with 0 remaining, got %+v", third)
	}

	res, err := f.svc.Cancel(context.Background(), second.Appointment.ID, Actor{UserID: f.member, Role: auth.RolePatient}, "conflict")
	if err != nil {
		t.Fatal(err)
	}
	if !res.AllowanceRestored || res.AllowanceRemaining != 1 {
		t.Errorf("expected restore to 1, got %+v", res)
	}
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()
	cases := map[string]BookRequest{
		"missing doctor": {PatientID: f.member, ScheduledAt: testNow.Add(time.Hour)},
		"in the past":    {PatientID: f.member, DoctorID: f.doctor, ScheduledAt: testNow.Add(-time.Hour)},
		"negative price": {PatientID: f.member, DoctorID: f.doctor, ScheduledAt: testNow.Add(time.Hour), Price: decimal.NewFromInt(-1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.Book(ctx, req); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestBook_SendsConfirmation(t *testing.T) {
	f := newFixture(2)
	f.book(f.member, time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC))

	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.notifier.sent))
	}
	msg := f.notifier.sent[0]
	if msg.template != notification.TemplateAppointmentConfirmed || msg.to != "ada@example.com" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.data["date"] != "2026-03-12" || msg.data["time"] != "09:30" {
		t.Errorf("unexpected date fields %v", msg.data)
	}
	if msg.data["amount_due"] != "0.00 EUR" {
		t.Errorf("expected 0.00 EUR due, got %q", msg.data["amount_due"])
	}
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(2)
	res := f.book(f.member, testNow.Add(48*time.Hour))
	actor := Actor{UserID: f.member, Role: auth.RolePatient}
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, res.Appointment.ID, actor, "sick"); err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.Cancel(ctx, res.Appointment.ID, actor, "sick")
	if err != nil {
		t.Fatal(err)
	}
	if again.AllowanceRestored {
		t.Error("second cancel must not restore again")
	}
	if f.coverage.restores != 1 || f.coverage.remaining != 2 {
		t.Errorf("expected a single restore, got %d (remaining %d)", f.coverage.restores, f.coverage.remaining)
	}
	cancelled := 0
	for _, m := range f.notifier.sent {
		if m.template == notification.TemplateAppointmentCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("expected 1 cancellation email, got %d", cancelled)
	}
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()
	soon := f.book(f.member, testNow.Add(30*time.Minute))
	later := f.book(f.member, testNow.Add(48*time.Hour))
	patient := Actor{UserID: f.member, Role: auth.RolePatient}

	if _, err := f.svc.Cancel(ctx, later.Appointment.ID, patient, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing reason: expected ErrInvalid, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, soon.Appointment.ID, patient, "late"); !errors.Is(err, ErrTooLate) {
		t.Errorf("inside window: expected ErrTooLate, got %v", err)
	}
	stranger := Actor{UserID: uuid.New(), Role: auth.RolePatient}
	if _, err := f.svc.Cancel(ctx, later.Appointment.ID, stranger, "nope"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger: expected ErrForbidden, got %v", err)
	}
	otherDoctor := Actor{UserID: uuid.New(), Role: auth.RoleDoctor}
	if _, err := f.svc.Cancel(ctx, later.Appointment.ID, otherDoctor, "nope"); !errors.Is(err, ErrForbidden) {
		t.Errorf("other doctor: expected ErrForbidden, got %v", err)
	}

	admin := Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	res, err := f.svc.Cancel(ctx, soon.Appointment.ID, admin, "doctor unavailable")
	if err != nil {
		t.Fatalf("admin may cancel inside the window: %v", err)
	}
	if *res.Appointment.CancelledBy != auth.RoleAdmin {
		t.Errorf("expected cancelledBy admin, got %s", *res.Appointment.CancelledBy)
	}
}

func TestCancel_UncoveredDoesNotRestore(t *testing.T) {
	f := newFixture(2)
	res := f.book(uuid.New(), testNow.Add(48*time.Hour))
	admin := Actor{UserID: uuid.New(), Role: auth.RoleAdmin}

	out, err := f.svc.Cancel(context.Background(), res.Appointment.ID, admin, "duplicate")
	if err != nil {
		t.Fatal(err)
	}
	if out.AllowanceRestored || f.coverage.restores != 0 {
		t.Error("pay-per-visit cancellation must not touch allowance")
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()
	covered := f.book(f.member, testNow.Add(48*time.Hour))
	unpaid := f.book(uuid.New(), testNow.Add(48*time.Hour))

	if _, err := f.svc.Complete(ctx, covered.Appointment.ID, Actor{UserID: f.member, Role: auth.RolePatient}); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient: expected ErrForbidden, got %v", err)
	}
	a, err := f.svc.Complete(ctx, covered.Appointment.ID, Actor{UserID: f.doctor, Role: auth.RoleDoctor})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", a.Status)
	}
	if _, err := f.svc.Cancel(ctx, a.ID, Actor{UserID: f.member, Role: auth.RolePatient}, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, unpaid.Appointment.ID, Actor{UserID: f.doctor, Role: auth.RoleDoctor}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending payment: expected ErrInvalidTransition, got %v", err)
	}
}

func TestGet_AccessControl(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()
	res := f.book(f.member, testNow.Add(48*time.Hour))

	if _, err := f.svc.Get(ctx, res.Appointment.ID, Actor{UserID: f.doctor, Role: auth.RoleDoctor}); err != nil {
		t.Errorf("doctor should see own appointment: %v", err)
	}
	if _, err := f.svc.Get(ctx, res.Appointment.ID, Actor{UserID: uuid.New(), Role: auth.RolePatient}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, uuid.New(), Actor{Role: auth.RoleAdmin}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
