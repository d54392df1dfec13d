package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/auth"
)

// AuditEntry is one request on a sensitive route.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	ResourceID   string
	PatientID    string
	Action       string // read, create, update, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries. The server adapts the audit logger
// to it so this package does not depend on storage.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// sensitiveRoutes maps the first path segment under /api/ to the audited
// resource category.
var sensitiveRoutes = map[string]string{
	"patients":        "user_data",
	"medical-records": "medical_history",
	"appointments":    "appointments",
	"gdpr":            "user_data",
	"membership":      "payment_data",
}

var adminRoutes = map[string]string{
	"audit-logs": "audit_events",
	"gdpr":       "user_data",
	"membership": "payment_data",
	"patients":   "user_data",
}

// Audit records every request to a sensitive /api/ route after the handler
// ran, so the response status is known. Entries are always logged with
// zerolog; the optional recorder persists them.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			resourceType, ok := auditedResource(req.Method, path)
			if !ok {
				return next(c)
			}

			err := next(c)

			status := responseStatus(c, err)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				ResourceType: resourceType,
				ResourceID:   firstUUIDSegment(path),
				PatientID:    extractPatientID(c),
				Action:       httpMethodToAction(req.Method),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				Path:         path,
				Method:       req.Method,
				Timestamp:    time.Now().UTC(),
				StatusCode:   status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("sensitive_access")

			return err
		}
	}
}

// responseStatus is the status the client will see once echo's error handler
// has run: an uncommitted plain error becomes 500.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case err != nil && !c.Response().Committed:
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

// auditedResource returns the resource category for sensitive /api/ paths.
// The public plan catalog is not audited.
func auditedResource(method, path string) (string, bool) {
	if !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", false
	}

	if segments[0] == "admin" {
		if len(segments) < 2 {
			return "", false
		}
		rt, ok := adminRoutes[segments[1]]
		return rt, ok
	}

	if segments[0] == "membership" && len(segments) > 1 && segments[1] == "plans" && method == http.MethodGet {
		return "", false
	}
	rt, ok := sensitiveRoutes[segments[0]]
	return rt, ok
}

// httpMethodToAction maps HTTP methods to audit action codes.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func firstUUIDSegment(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if isUUIDLike(seg) {
			return seg
		}
	}
	return ""
}

// extractPatientID finds the patient a request concerns: the :id of
// /api/patients/:id, the admin GDPR export target, or a patientId query
// parameter.
func extractPatientID(c echo.Context) string {
	path := c.Request().URL.Path

	for _, prefix := range []string{"/api/patients/", "/api/admin/gdpr/export/"} {
		if strings.HasPrefix(path, prefix) {
			seg := strings.Split(strings.TrimPrefix(path, prefix), "/")[0]
			if isUUIDLike(seg) {
				return seg
			}
		}
	}

	for _, q := range []string{"patientId", "patient_id"} {
		if v := c.QueryParam(q); v != "" {
			return v
		}
	}
	return ""
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
