package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/auth"
)

type Handler struct {
	svc   *Service
	audit *audit.Logger
}

func NewHandler(svc *Service, auditLogger *audit.Logger) *Handler {
	return &Handler{svc: svc, audit: auditLogger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.Create)
	api.GET("/patients/me", h.GetMe)
	api.PUT("/patients/me", h.UpdateMe)
	api.GET("/patients/:id", h.Get, auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrErased):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) logAccess(c echo.Context, patientID uuid.UUID, action string) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	h.audit.LogPatientDataAccess(ctx, auth.UserIDFromContext(ctx), patientID.String(), action, "user_data", "", audit.MetaFromEcho(c))
}

type createRequest struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Phone       *string   `json:"phone"`
	DateOfBirth *string   `json:"dateOfBirth"`
	Address     *string   `json:"address"`
	Country     string    `json:"country"`
}

// Create registers the caller's own profile. Admins may register any id.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleAdmin) || req.ID == uuid.Nil {
		req.ID = auth.UserUUIDFromContext(ctx)
		if req.Email == "" {
			req.Email = auth.EmailFromContext(ctx)
		}
	}
	if req.ID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}

	p, err := h.svc.Create(ctx, &Patient{
		ID:          req.ID,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Phone:       req.Phone,
		DateOfBirth: req.DateOfBirth,
		Address:     req.Address,
		Country:     req.Country,
	})
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, p.ID, "create")
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetMe(c echo.Context) error {
	id := auth.UserUUIDFromContext(c.Request().Context())
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, id, "view")
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateMe(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := auth.UserUUIDFromContext(c.Request().Context())
	p, err := h.svc.Update(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, id, "update")
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	h.logAccess(c, id, "view")
	return c.JSON(http.StatusOK, p)
}
