package membership

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
)

func newMembershipRequest(method, target, body string, userID uuid.UUID, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), userID.String(), "", roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpStatus(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_ListPlans(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)
	c, rec := newMembershipRequest(http.MethodGet, "/api/membership/plans", "", uuid.New(), auth.RolePatient)

	if err := h.ListPlans(c); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Plans []Plan `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Plans) != 2 {
		t.Errorf("expected 2 plans, got %d", len(body.Plans))
	}
}

func TestHandler_GetAllowance(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)

	c, rec := newMembershipRequest(http.MethodGet, "/api/membership/allowance", "", uuid.New(), auth.RolePatient)
	if err := h.GetAllowance(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"hasMembership":false`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	sub := activate(t, svc, "monthly_plan")
	c, rec = newMembershipRequest(http.MethodGet, "/api/membership/allowance", "", sub.PatientID, auth.RolePatient)
	if err := h.GetAllowance(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"allowanceRemaining":2`) {
		t.Errorf("expected remaining allowance in body, got %s", rec.Body.String())
	}
}

func TestHandler_CheckCoverage(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)
	sub := activate(t, svc, "monthly_plan")

	c, rec := newMembershipRequest(http.MethodPost, "/api/membership/check-coverage",
		`{"price":"39.00","date":"2026-03-15T10:00:00Z"}`, sub.PatientID, auth.RolePatient)
	if err := h.CheckCoverage(c); err != nil {
		t.Fatal(err)
	}
	var d CoverageDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if !d.Covered || !d.PatientPays.IsZero() {
		t.Errorf("unexpected decision %+v", d)
	}

	c, _ = newMembershipRequest(http.MethodPost, "/api/membership/check-coverage", `{"price":"39.00"}`, sub.PatientID, auth.RolePatient)
	if err := h.CheckCoverage(c); httpStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400 without date, got %v", err)
	}
}

func TestHandler_CancelOwnDefaultsToPeriodEnd(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)
	sub := activate(t, svc, "monthly_plan")

	c, rec := newMembershipRequest(http.MethodPost, "/api/membership/cancel", `{}`, sub.PatientID, auth.RolePatient)
	if err := h.CancelOwn(c); err != nil {
		t.Fatal(err)
	}
	var got Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPendingCancel {
		t.Errorf("expected pending_cancel, got %s", got.Status)
	}

	c, _ = newMembershipRequest(http.MethodPost, "/api/membership/cancel", `{}`, uuid.New(), auth.RolePatient)
	if err := h.CancelOwn(c); httpStatus(err) != http.StatusNotFound {
		t.Errorf("expected 404 without subscription, got %v", err)
	}
}

func TestHandler_AdminActivateAndRenew(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)
	admin := uuid.New()
	patient := uuid.New()

	body := `{"patientId":"` + patient.String() + `","planId":"monthly_plan",` +
		`"periodStart":"2026-03-01T00:00:00Z","periodEnd":"2026-04-01T00:00:00Z"}`
	c, rec := newMembershipRequest(http.MethodPost, "/api/admin/membership/subscriptions", body, admin, auth.RoleAdmin)
	if err := h.Activate(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var sub Subscription
	_ = json.Unmarshal(rec.Body.Bytes(), &sub)

	c, _ = newMembershipRequest(http.MethodPost, "/api/admin/membership/subscriptions", body, admin, auth.RoleAdmin)
	if err := h.Activate(c); httpStatus(err) != http.StatusConflict {
		t.Errorf("expected 409 for second live subscription, got %v", err)
	}

	c, rec = newMembershipRequest(http.MethodPost, "/", `{"periodStart":"2026-04-01T00:00:00Z","periodEnd":"2026-05-01T00:00:00Z"}`, admin, auth.RoleAdmin)
	c.SetParamNames("id")
	c.SetParamValues(sub.ID.String())
	if err := h.Renew(c); err != nil {
		t.Fatal(err)
	}
	cycle, err := svc.cycles.GetActive(context.Background(), sub.ID)
	if err != nil || cycle.CycleStart.Month() != 4 {
		t.Errorf("expected April cycle, got %+v, %v", cycle, err)
	}
}

func TestHandler_AdminSuspendUnknown(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)
	c, _ := newMembershipRequest(http.MethodPost, "/", "", uuid.New(), auth.RoleAdmin)
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	if err := h.Suspend(c); httpStatus(err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
