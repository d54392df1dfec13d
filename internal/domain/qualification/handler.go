package qualification

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

// RegisterRoutes mounts the credential routes. Reads are open to any
// authenticated user; writes need the doctor themself or an admin; reviews
// are admin only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	adminOnly := auth.RequireRole(auth.RoleAdmin)
	manage := auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin)

	d := api.Group("/doctors/:doctorId")
	d.GET("/qualifications", h.ListQualifications)
	d.POST("/qualifications", h.AddQualification, manage)
	d.GET("/insurance", h.ListInsurance)
	d.POST("/insurance", h.AddInsurance, manage)
	d.GET("/cross-border", h.ListDeclarations)
	d.POST("/cross-border", h.AddDeclaration, manage)
	d.GET("/epc", h.GetCard)
	d.POST("/epc", h.SaveCard, manage)
	d.GET("/verification-status", h.VerificationStatus)

	api.PATCH("/qualifications/:id", h.UpdateQualification, manage)
	api.POST("/qualifications/:id/verify", h.VerifyQualification, adminOnly)
	api.POST("/qualifications/:id/eu-verify", h.EUVerify, adminOnly)
	api.GET("/qualifications/:id/verifications", h.ListVerificationLogs, adminOnly)
	api.POST("/insurance/:id/verify", h.VerifyInsurance, adminOnly)
	api.POST("/cross-border/:id/review", h.ReviewDeclaration, adminOnly)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func actorFromContext(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id := auth.UserUUIDFromContext(ctx)
	if id == uuid.Nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return Actor{UserID: id, Admin: auth.HasRole(ctx, auth.RoleAdmin)}, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) logAdmin(c echo.Context, action, resourceType, resourceID string, details map[string]interface{}) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), action, resourceType, resourceID, details, audit.MetaFromEcho(c))
}

// write binds the body and resolves the doctor path parameter and caller.
func write[T any](c echo.Context) (Actor, uuid.UUID, T, error) {
	var in T
	actor, err := actorFromContext(c)
	if err != nil {
		return actor, uuid.Nil, in, err
	}
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return actor, uuid.Nil, in, err
	}
	if err := c.Bind(&in); err != nil {
		return actor, uuid.Nil, in, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return actor, doctorID, in, nil
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func (h *Handler) ListQualifications(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListQualifications(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

func (h *Handler) AddQualification(c echo.Context) error {
	actor, doctorID, in, err := write[QualificationInput](c)
	if err != nil {
		return err
	}
	q, err := h.svc.AddQualification(c.Request().Context(), actor, doctorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "qualification": q})
}

func (h *Handler) UpdateQualification(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var patch QualificationPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := h.svc.UpdateQualification(c.Request().Context(), actor, id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "qualification": q})
}

func (h *Handler) VerifyQualification(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	q, err := h.svc.VerifyQualification(ctx, auth.UserIDFromContext(ctx), id, req)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "verify_qualification", "qualification", id.String(), map[string]interface{}{
		"doctorId": q.DoctorID.String(),
		"status":   string(q.VerificationStatus),
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "qualification": q})
}

func (h *Handler) EUVerify(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.EUVerify(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "eu_verify_qualification", "qualification", id.String(), map[string]interface{}{
		"doctorId":  res.Qualification.DoctorID.String(),
		"verified":  res.Success,
		"reference": res.Result.Reference,
	})
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListVerificationLogs(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	logs, err := h.svc.ListVerificationLogs(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(logs))
}

func (h *Handler) ListInsurance(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListInsurance(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

func (h *Handler) AddInsurance(c echo.Context) error {
	actor, doctorID, in, err := write[InsuranceInput](c)
	if err != nil {
		return err
	}
	i, err := h.svc.AddInsurance(c.Request().Context(), actor, doctorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "insurance": i})
}

func (h *Handler) VerifyInsurance(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req InsuranceReview
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	i, err := h.svc.VerifyInsurance(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "verify_insurance", "professional_insurance", id.String(), map[string]interface{}{
		"doctorId": i.DoctorID.String(),
		"status":   string(i.VerificationStatus),
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "insurance": i})
}

func (h *Handler) ListDeclarations(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListDeclarations(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

func (h *Handler) AddDeclaration(c echo.Context) error {
	actor, doctorID, in, err := write[DeclarationInput](c)
	if err != nil {
		return err
	}
	d, err := h.svc.AddDeclaration(c.Request().Context(), actor, doctorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "declaration": d})
}

func (h *Handler) ReviewDeclaration(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req DeclarationReview
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.ReviewDeclaration(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "review_cross_border_declaration", "cross_border_declaration", id.String(), map[string]interface{}{
		"doctorId": d.DoctorID.String(),
		"status":   string(d.Status),
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "declaration": d})
}

func (h *Handler) GetCard(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	card, err := h.svc.GetCard(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	if card == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"hasCard": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hasCard": true, "card": card})
}

func (h *Handler) SaveCard(c echo.Context) error {
	actor, doctorID, in, err := write[CardInput](c)
	if err != nil {
		return err
	}
	card, err := h.svc.SaveCard(c.Request().Context(), actor, doctorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "card": card})
}

func (h *Handler) VerificationStatus(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	sum, err := h.svc.VerificationStatus(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}
