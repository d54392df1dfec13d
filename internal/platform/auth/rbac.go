package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the user holds any of roles, or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin || contains(roles, has) {
			return true
		}
	}
	return false
}

// CanAccessPatient allows the patient themself plus doctors and admins.
func CanAccessPatient(ctx context.Context, patientID uuid.UUID) bool {
	if UserUUIDFromContext(ctx) == patientID && patientID != uuid.Nil {
		return true
	}
	return HasRole(ctx, RoleDoctor)
}
