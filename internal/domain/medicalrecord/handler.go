package medicalrecord

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/pkg/pagination"
)

type Handler struct {
	svc   *Service
	audit *audit.Logger
}

func NewHandler(svc *Service, auditLogger *audit.Logger) *Handler {
	return &Handler{svc: svc, audit: auditLogger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/medical-records")
	g.POST("", h.Create, auth.RequireRole(auth.RoleDoctor))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) logAccess(c echo.Context, patientID uuid.UUID, action, recordID string) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	h.audit.LogPatientDataAccess(ctx, auth.UserIDFromContext(ctx), patientID.String(), action,
		"medical_record", recordID, audit.MetaFromEcho(c))
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doctorID := auth.UserUUIDFromContext(c.Request().Context())
	rec, err := h.svc.Create(c.Request().Context(), doctorID, req)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, rec.PatientID, "create", rec.ID.String())
	return c.JSON(http.StatusCreated, rec)
}

// List returns the caller's records, or those of ?patientId for doctors.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	patientID := auth.UserUUIDFromContext(ctx)
	if raw := c.QueryParam("patientId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
		}
		patientID = id
	}
	if !auth.CanAccessPatient(ctx, patientID) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Record{}
	}
	h.logAccess(c, patientID, "list", "")
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !auth.CanAccessPatient(ctx, rec.PatientID) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	h.logAccess(c, rec.PatientID, "view", rec.ID.String())
	return c.JSON(http.StatusOK, rec)
}
