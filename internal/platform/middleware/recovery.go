package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error().
						Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					if hub := sentryecho.GetHubFromContext(c); hub != nil {
						hub.RecoverWithContext(c.Request().Context(), r)
					}

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// ReportServerErrors sends 5xx handler errors to Sentry. It needs the hub
// installed by sentryecho.New earlier in the chain and is a no-op otherwise.
func ReportServerErrors() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			code := http.StatusInternalServerError
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code < 500 {
				return err
			}
			if hub := sentryecho.GetHubFromContext(c); hub != nil {
				hub.WithScope(func(scope *sentry.Scope) {
					if rid, ok := c.Get("request_id").(string); ok {
						scope.SetTag("request_id", rid)
					}
					scope.SetTag("path", c.Path())
					hub.CaptureException(err)
				})
			}
			return err
		}
	}
}
