package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. Handlers and the
// database calls they make observe it; when the deadline is what stopped the
// handler and nothing was written yet, the client gets a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
