package gdpr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/domain/patient"
	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/encryption"
)

type Handler struct {
	svc   *Service
	audit *audit.Logger
}

func NewHandler(svc *Service, auditLogger *audit.Logger) *Handler {
	return &Handler{svc: svc, audit: auditLogger}
}

func (h *Handler) RegisterRoutes(api, admin *echo.Group) {
	api.GET("/gdpr/export", h.ExportOwn)
	api.POST("/gdpr/erasure", h.EraseOwn)
	api.GET("/gdpr/retention-policy", h.RetentionPolicy)

	admin.POST("/gdpr/export/:patientId", h.AdminExport)
	admin.POST("/gdpr/erasure/:patientId", h.AdminErase)

	if h.svc.ConsentsEnabled() {
		api.GET("/gdpr/consents", h.CurrentConsents)
		api.POST("/gdpr/consents", h.GrantConsent)
		api.POST("/gdpr/consents/withdraw", h.WithdrawConsent)
		api.GET("/gdpr/consents/history", h.ConsentHistory)
		api.GET("/gdpr/processing-records/:userId", h.ProcessingRecords)

		admin.GET("/gdpr/consents/:userId/history", h.AdminConsentHistory)
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, patient.ErrErased):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrNoActiveConsent):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidConsent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// HeaderChecksum carries the SHA-256 of an export body so the recipient can
// verify the download.
const HeaderChecksum = "X-Content-SHA256"

func (h *Handler) respond(c echo.Context, exp *Export, format string) error {
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "", "json":
		b, err := json.Marshal(exp)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "encode export: "+err.Error())
		}
		body, contentType, format = b, echo.MIMEApplicationJSON, "json"
	case "pdf":
		var buf bytes.Buffer
		if err := RenderPDF(exp, &buf); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "render pdf: "+err.Error())
		}
		body, contentType = buf.Bytes(), "application/pdf"
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or pdf")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="data-export-%s.%s"`, exp.PatientID, format))
	c.Response().Header().Set(HeaderChecksum, encryption.Checksum(body))
	return c.Blob(http.StatusOK, contentType, body)
}

func (h *Handler) ExportOwn(c echo.Context) error {
	ctx := c.Request().Context()
	id := auth.UserUUIDFromContext(ctx)
	format := c.QueryParam("format")
	if format != "" && format != "json" && format != "pdf" {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or pdf")
	}
	exp, err := h.svc.Export(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	if h.audit != nil {
		h.audit.LogPatientDataAccess(ctx, auth.UserIDFromContext(ctx), id.String(), "gdpr_export", "user_data", "", audit.MetaFromEcho(c))
	}
	return h.respond(c, exp, format)
}

type adminExportRequest struct {
	Format string `json:"format"`
}

func (h *Handler) AdminExport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	var req adminExportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Format == "" {
		req.Format = c.QueryParam("format")
	}
	if req.Format != "" && req.Format != "json" && req.Format != "pdf" {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or pdf")
	}

	ctx := c.Request().Context()
	exportedBy := auth.EmailFromContext(ctx)
	if exportedBy == "" {
		exportedBy = auth.UserIDFromContext(ctx)
	}
	exp, err := h.svc.Export(ctx, id, exportedBy)
	if err != nil {
		return httpError(err)
	}
	if h.audit != nil {
		h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), "gdpr_export", "user_data", id.String(),
			map[string]interface{}{"format": req.Format, "totalRecords": exp.Metadata.TotalRecords}, audit.MetaFromEcho(c))
	}
	return h.respond(c, exp, req.Format)
}

func (h *Handler) EraseOwn(c echo.Context) error {
	ctx := c.Request().Context()
	id := auth.UserUUIDFromContext(ctx)
	res, err := h.svc.Erase(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if h.audit != nil {
		h.audit.LogPatientDataAccess(ctx, auth.UserIDFromContext(ctx), id.String(), "data_deletion", "user_data", "", audit.MetaFromEcho(c))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AdminErase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	ctx := c.Request().Context()
	res, err := h.svc.Erase(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if h.audit != nil {
		h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), "data_deletion", "user_data", id.String(),
			map[string]interface{}{"retained": res.Retained}, audit.MetaFromEcho(c))
	}
	return c.JSON(http.StatusOK, res)
}

// RetentionPolicy lists the policies and, for patients, the lifecycle state
// of their own data under each.
func (h *Handler) RetentionPolicy(c echo.Context) error {
	body := map[string]interface{}{
		"policies": h.svc.Retention().GetAllPolicies(),
	}
	ctx := c.Request().Context()
	if id := auth.UserUUIDFromContext(ctx); id != uuid.Nil && !auth.HasRole(ctx, auth.RoleDoctor) {
		report, err := h.svc.RetentionReport(ctx, id)
		switch {
		case err == nil:
			body["yourData"] = report
		case !errors.Is(err, patient.ErrNotFound):
			return httpError(err)
		}
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) logConsent(c echo.Context, action string, consent *Consent) {
	if h.audit == nil {
		return
	}
	ctx := c.Request().Context()
	m := audit.MetaFromEcho(c)
	h.audit.Log(ctx, audit.Event{
		UserID:       auth.UserIDFromContext(ctx),
		Action:       action,
		ResourceType: "consent",
		ResourceID:   consent.ID.String(),
		Details: map[string]interface{}{
			"consentType":     consent.Type,
			"consentGiven":    consent.Given,
			"documentVersion": consent.DocumentVersion,
		},
		IPAddress: m.IPAddress,
		UserAgent: m.UserAgent,
		RequestID: m.RequestID,
	})
}

func consentList(cs []*Consent) []*Consent {
	if cs == nil {
		return []*Consent{}
	}
	return cs
}

func (h *Handler) CurrentConsents(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := h.svc.CurrentConsents(ctx, auth.UserUUIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"consents": consentList(cs)})
}

func (h *Handler) GrantConsent(c echo.Context) error {
	var req GrantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := audit.MetaFromEcho(c)
	req.IPAddress, req.UserAgent = m.IPAddress, m.UserAgent

	ctx := c.Request().Context()
	consent, err := h.svc.GrantConsent(ctx, auth.UserUUIDFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	h.logConsent(c, "consent_grant", consent)
	return c.JSON(http.StatusCreated, consent)
}

type withdrawRequest struct {
	Type ConsentType `json:"consentType"`
}

func (h *Handler) WithdrawConsent(c echo.Context) error {
	var req withdrawRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	consent, err := h.svc.WithdrawConsent(ctx, auth.UserUUIDFromContext(ctx), req.Type)
	if err != nil {
		return httpError(err)
	}
	h.logConsent(c, "consent_withdraw", consent)
	return c.JSON(http.StatusOK, consent)
}

func (h *Handler) ConsentHistory(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := h.svc.ConsentHistory(ctx, auth.UserUUIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"consents": consentList(cs)})
}

func (h *Handler) AdminConsentHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid userId")
	}
	ctx := c.Request().Context()
	cs, err := h.svc.ConsentHistory(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if h.audit != nil {
		h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), "consent_history_view", "consent", id.String(),
			map[string]interface{}{"count": len(cs)}, audit.MetaFromEcho(c))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"userId": id, "consents": consentList(cs)})
}

// ProcessingRecords lists the processing ledger of a user. Users see their
// own; administrators see anyone's. Optional from and to are YYYY-MM-DD.
func (h *Handler) ProcessingRecords(c echo.Context) error {
	id, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid userId")
	}
	ctx := c.Request().Context()
	if id != auth.UserUUIDFromContext(ctx) && !auth.HasRole(ctx, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}

	var from, to time.Time
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	recs, err := h.svc.ProcessingRecords(ctx, id, from, to)
	if err != nil {
		return httpError(err)
	}
	if recs == nil {
		recs = []*ProcessingRecord{}
	}
	if h.audit != nil && id != auth.UserUUIDFromContext(ctx) {
		h.audit.LogAdminAction(ctx, auth.UserIDFromContext(ctx), "processing_records_view", "user_data", id.String(),
			map[string]interface{}{"count": len(recs)}, audit.MetaFromEcho(c))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"userId": id, "records": recs})
}
