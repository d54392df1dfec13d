package appointment

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

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
	g := api.Group("/appointments")
	g.POST("", h.Book)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/complete", h.Complete, auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrTooLate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// actorFromContext resolves the caller's effective role, admin first.
func actorFromContext(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id := auth.UserUUIDFromContext(ctx)
	if id == uuid.Nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role := auth.RolePatient
	switch {
	case auth.HasRole(ctx, auth.RoleAdmin):
		role = auth.RoleAdmin
	case auth.HasRole(ctx, auth.RoleDoctor):
		role = auth.RoleDoctor
	}
	return Actor{UserID: id, Role: role}, nil
}

func (h *Handler) logAccess(c echo.Context, a *Appointment, action string) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	h.audit.LogPatientDataAccess(ctx, auth.UserIDFromContext(ctx), a.PatientID.String(), action,
		"appointment", a.ID.String(), audit.MetaFromEcho(c))
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type bookRequest struct {
	PatientID       uuid.UUID       `json:"patientId"`
	DoctorID        uuid.UUID       `json:"doctorId"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	DurationMinutes int             `json:"durationMinutes"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
}

// Book books for the caller. Admins may book on behalf of a patient.
func (h *Handler) Book(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if actor.Role != auth.RoleAdmin || req.PatientID == uuid.Nil {
		req.PatientID = actor.UserID
	}

	res, err := h.svc.Book(c.Request().Context(), BookRequest{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		Currency:        req.Currency,
	})
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, res.Appointment, "create")
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		items []*Appointment
		total int
	)
	switch actor.Role {
	case auth.RoleAdmin:
		if raw := c.QueryParam("doctorId"); raw != "" {
			id, perr := uuid.Parse(raw)
			if perr != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid doctorId")
			}
			items, total, err = h.svc.ListForDoctor(ctx, id, pg.Limit, pg.Offset)
			break
		}
		id, perr := uuid.Parse(c.QueryParam("patientId"))
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patientId or doctorId is required")
		}
		items, total, err = h.svc.ListForPatient(ctx, id, pg.Limit, pg.Offset)
	case auth.RoleDoctor:
		items, total, err = h.svc.ListForDoctor(ctx, actor.UserID, pg.Limit, pg.Offset)
	default:
		items, total, err = h.svc.ListForPatient(ctx, actor.UserID, pg.Limit, pg.Offset)
	}
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id, actor)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, a, "view")
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Cancel(c.Request().Context(), id, actor, req.Reason)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, res.Appointment, "cancel")
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Complete(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Complete(c.Request().Context(), id, actor)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, a, "complete")
	return c.JSON(http.StatusOK, a)
}
