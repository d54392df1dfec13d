package patient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
)

func newPatientRequest(method, body string, userID uuid.UUID, email string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/api/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), userID.String(), email, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateOwnProfile(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, nil)
	user := uuid.New()

	// A patient cannot pick another id; the token's subject and email win.
	c, rec := newPatientRequest(http.MethodPost,
		`{"id":"`+uuid.NewString()+`","firstName":"Grace","country":"US"}`, user, "grace@example.com", auth.RolePatient)
	if err := h.Create(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p Patient
	_ = json.Unmarshal(rec.Body.Bytes(), &p)
	if p.ID != user || p.Email != "grace@example.com" {
		t.Errorf("unexpected patient %+v", p)
	}

	c, _ = newPatientRequest(http.MethodPost, `{}`, user, "grace@example.com", auth.RolePatient)
	err := h.Create(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate email, got %v", err)
	}
}

func TestHandler_GetMeAndUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, nil)
	p := createAda(t, svc)

	c, rec := newPatientRequest(http.MethodGet, "", p.ID, "", auth.RolePatient)
	if err := h.GetMe(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"email":"ada@example.com"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, rec = newPatientRequest(http.MethodPut, `{"lastName":"King"}`, p.ID, "", auth.RolePatient)
	if err := h.UpdateMe(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"lastName":"King"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_GetByID(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, nil)
	p := createAda(t, svc)

	c, rec := newPatientRequest(http.MethodGet, "", uuid.New(), "", auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newPatientRequest(http.MethodGet, "", uuid.New(), "", auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if err := h.Get(c); err == nil {
		t.Error("expected error for invalid id")
	}
}
