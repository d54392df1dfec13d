package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/pkg/pagination"
)

const exportLimit = 10000

// Handler serves the admin audit trail endpoints.
type Handler struct {
	store  Store
	logger *Logger
}

func NewHandler(store Store, logger *Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the audit endpoints under admin.
func (h *Handler) RegisterRoutes(admin *echo.Group) {
	g := admin.Group("/audit-logs", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.Search)
	g.GET("/summary", h.Summary)
	g.GET("/actions", h.Actions)
	g.GET("/resources", h.Resources)
	g.GET("/export.csv", h.ExportCSV)
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{
		Action:       c.QueryParam("action"),
		UserID:       c.QueryParam("user_id"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
	}
	for param, dst := range map[string]**time.Time{"date_from": &f.From, "date_to": &f.To} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %q", param, v)
		}
		*dst = &t
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (h *Handler) adminAction(c echo.Context, action string, details map[string]interface{}) {
	if h.logger == nil {
		return
	}
	ctx := c.Request().Context()
	h.logger.LogAdminAction(ctx, auth.UserIDFromContext(ctx), action, "audit_events", "", details, MetaFromEcho(c))
}

func (h *Handler) Search(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)

	events, total, err := h.store.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch audit logs")
	}
	if events == nil {
		events = []*Event{}
	}
	h.adminAction(c, "view_audit_logs", map[string]interface{}{"query": c.QueryParams()})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"logs":       events,
		"pagination": pg.Meta(total),
	})
}

// periodDays maps the summary period parameter to a window; default 7d.
func periodDays(period string) (string, int) {
	switch period {
	case "30d":
		return period, 30
	case "90d":
		return period, 90
	default:
		return "7d", 7
	}
}

func (h *Handler) Summary(c echo.Context) error {
	period, days := periodDays(c.QueryParam("period"))
	since := time.Now().UTC().AddDate(0, 0, -days)

	sum, err := h.store.Summary(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch audit summary")
	}
	sum.Period = period
	h.adminAction(c, "view_audit_summary", map[string]interface{}{"period": period})
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) Actions(c echo.Context) error {
	actions, err := h.store.DistinctActions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch audit actions")
	}
	return c.JSON(http.StatusOK, actions)
}

func (h *Handler) Resources(c echo.Context) error {
	types, err := h.store.DistinctResourceTypes(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch audit resources")
	}
	return c.JSON(http.StatusOK, types)
}

// ExportCSV streams up to exportLimit matching events as CSV.
func (h *Handler) ExportCSV(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	events, _, err := h.store.Search(c.Request().Context(), f, exportLimit, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to export audit logs")
	}
	h.adminAction(c, "export_audit_logs", map[string]interface{}{"rows": len(events)})

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	cw := csv.NewWriter(c.Response())
	defer cw.Flush()

	header := []string{"ID", "CreatedAt", "UserID", "Action", "ResourceType", "ResourceID",
		"IPAddress", "UserAgent", "RequestID", "Details"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	for _, e := range events {
		details, _ := json.Marshal(e.Details)
		record := []string{
			e.ID.String(),
			e.CreatedAt.Format(time.RFC3339),
			e.UserID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.IPAddress,
			e.UserAgent,
			e.RequestID,
			string(details),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	return nil
}
