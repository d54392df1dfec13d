package membership

import (
	"context"
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

// Handler provides the patient and admin membership endpoints.
type Handler struct {
	svc   *Service
	audit *audit.Logger
}

func NewHandler(svc *Service, auditLogger *audit.Logger) *Handler {
	return &Handler{svc: svc, audit: auditLogger}
}

func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	api.GET("/membership/plans", h.ListPlans)

	patient := api.Group("/membership", auth.RequireRole(auth.RolePatient))
	patient.GET("/allowance", h.GetAllowance)
	patient.GET("/allowance/history", h.GetAllowanceHistory)
	patient.POST("/check-coverage", h.CheckCoverage)
	patient.POST("/cancel", h.CancelOwn)
	patient.POST("/reactivate", h.ReactivateOwn)

	adm := admin.Group("/membership", auth.RequireRole(auth.RoleAdmin))
	adm.POST("/subscriptions", h.Activate)
	adm.POST("/subscriptions/:id/renew", h.Renew)
	adm.POST("/subscriptions/:id/suspend", h.Suspend)
	adm.POST("/subscriptions/:id/resume", h.Resume)
	adm.POST("/subscriptions/:id/cancel", h.Cancel)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPlanNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSubscriptionExists), errors.Is(err, ErrAlreadyCovered),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAllowanceExhausted),
		errors.Is(err, ErrBillingUnavailable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNoActiveCycle):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrBillingFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id := auth.UserUUIDFromContext(c.Request().Context())
	if id == uuid.Nil {
		return id, echo.NewHTTPError(http.StatusUnauthorized, "invalid user id")
	}
	return id, nil
}

func (h *Handler) logAdmin(c echo.Context, action, resourceID string, details map[string]interface{}) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), action, "membership", resourceID, details, audit.MetaFromEcho(c))
}

func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.svc.ListPlans(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"plans": plans})
}

func (h *Handler) GetAllowance(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	status, err := h.svc.GetAllowanceStatus(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusOK, map[string]interface{}{"hasMembership": false})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hasMembership": true, "status": status})
}

func (h *Handler) GetAllowanceHistory(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	events, total, err := h.svc.GetAllowanceHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg))
}

type checkCoverageRequest struct {
	Price decimal.Decimal `json:"price"`
	Date  time.Time       `json:"date"`
}

func (h *Handler) CheckCoverage(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req checkCoverageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Date.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "date is required")
	}
	if req.Price.IsNegative() {
		return echo.NewHTTPError(http.StatusBadRequest, "price must not be negative")
	}
	decision, err := h.svc.CheckCoverage(c.Request().Context(), id, req.Price, req.Date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decision)
}

type cancelRequest struct {
	AtPeriodEnd *bool `json:"atPeriodEnd"`
}

// atPeriodEnd defaults to true: a patient keeps coverage until the period ends.
func (r cancelRequest) atPeriodEnd() bool {
	return r.AtPeriodEnd == nil || *r.AtPeriodEnd
}

func (h *Handler) CancelOwn(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	sub, err := h.svc.GetLiveSubscription(ctx, id)
	if err != nil {
		return httpError(err)
	}
	sub, err = h.svc.CancelSubscription(ctx, sub.ID, req.atPeriodEnd())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

// ReactivateOwn withdraws the caller's pending cancellation.
func (h *Handler) ReactivateOwn(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := h.svc.GetLiveSubscription(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if sub.Status != StatusPendingCancel {
		return httpError(ErrInvalidTransition)
	}
	sub, err = h.svc.ResumeSubscription(ctx, sub.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Activate(c echo.Context) error {
	var req ActivateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil || req.PlanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientId and planId are required")
	}
	sub, err := h.svc.ActivateSubscription(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "activate_subscription", sub.ID.String(), map[string]interface{}{
		"patientId": sub.PatientID.String(),
		"planId":    sub.PlanID,
	})
	return c.JSON(http.StatusCreated, sub)
}

type renewRequest struct {
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

func (h *Handler) Renew(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req renewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cycle, err := h.svc.RenewCycle(c.Request().Context(), id, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, "renew_cycle", id.String(), map[string]interface{}{"cycleId": cycle.ID.String()})
	return c.JSON(http.StatusOK, cycle)
}

func (h *Handler) Suspend(c echo.Context) error {
	return h.lifecycle(c, "suspend_subscription", h.svc.SuspendSubscription)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.lifecycle(c, "resume_subscription", h.svc.ResumeSubscription)
}

func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	atPeriodEnd := req.AtPeriodEnd != nil && *req.AtPeriodEnd
	return h.lifecycle(c, "cancel_subscription", func(ctx context.Context, id uuid.UUID) (*Subscription, error) {
		return h.svc.CancelSubscription(ctx, id, atPeriodEnd)
	})
}

func (h *Handler) lifecycle(c echo.Context, action string, fn func(context.Context, uuid.UUID) (*Subscription, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sub, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	h.logAdmin(c, action, id.String(), map[string]interface{}{"status": string(sub.Status)})
	return c.JSON(http.StatusOK, sub)
}
