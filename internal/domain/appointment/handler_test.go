package appointment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
)

func newAppointmentRequest(method, target, body string, userID uuid.UUID, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
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

func TestHandler_BookForSelf(t *testing.T) {
	f := newFixture(2)
	h := NewHandler(f.svc, nil)
	body := `{"patientId":"` + uuid.NewString() + `","doctorId":"` + f.doctor.String() +
		`","scheduledAt":"` + testNow.Add(48*time.Hour).Format(time.RFC3339) + `","price":"35.00"}`

	c, rec := newAppointmentRequest(http.MethodPost, "/api/appointments", body, f.member, auth.RolePatient)
	if err := h.Book(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res BookResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Appointment.PatientID != f.member {
		t.Error("patients must not book on behalf of someone else")
	}
	if !res.Covered {
		t.Error("expected covered booking")
	}
}

func TestHandler_ListAsDoctor(t *testing.T) {
	f := newFixture(2)
	f.book(f.member, testNow.Add(48*time.Hour))
	f.book(uuid.New(), testNow.Add(72*time.Hour))
	h := NewHandler(f.svc, nil)

	c, rec := newAppointmentRequest(http.MethodGet, "/api/appointments", "", f.doctor, auth.RoleDoctor)
	if err := h.List(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"total":2`) {
		t.Errorf("expected 2 appointments, got %s", rec.Body.String())
	}
}

func TestHandler_ListAdminRequiresFilter(t *testing.T) {
	f := newFixture(2)
	h := NewHandler(f.svc, nil)
	c, _ := newAppointmentRequest(http.MethodGet, "/api/appointments", "", uuid.New(), auth.RoleAdmin)
	if err := h.List(c); httpStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_CancelTooLate(t *testing.T) {
	f := newFixture(2)
	res := f.book(f.member, testNow.Add(10*time.Minute))
	h := NewHandler(f.svc, nil)

	c, _ := newAppointmentRequest(http.MethodPost, "/", `{"reason":"traffic"}`, f.member, auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(res.Appointment.ID.String())
	if err := h.Cancel(c); httpStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetForbidden(t *testing.T) {
	f := newFixture(2)
	res := f.book(f.member, testNow.Add(48*time.Hour))
	h := NewHandler(f.svc, nil)

	c, _ := newAppointmentRequest(http.MethodGet, "/", "", uuid.New(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(res.Appointment.ID.String())
	if err := h.Get(c); httpStatus(err) != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(2)
	h := NewHandler(f.svc, nil)
	c, _ := newAppointmentRequest(http.MethodGet, "/api/appointments", "", uuid.Nil)
	if err := h.List(c); httpStatus(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
