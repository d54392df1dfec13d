package middleware

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type SecurityHeadersConfig struct {
	// HSTSMaxAge in seconds; zero omits Strict-Transport-Security (plain HTTP in development).
	HSTSMaxAge int
	// NoStorePrefixes lists path prefixes whose responses must never be cached.
	NoStorePrefixes []string
}

func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		HSTSMaxAge:      31536000,
		NoStorePrefixes: []string{"/api/"},
	}
}

// SecurityHeaders applies DefaultSecurityHeadersConfig.
func SecurityHeaders() echo.MiddlewareFunc {
	return SecurityHeadersWithConfig(DefaultSecurityHeadersConfig())
}

func SecurityHeadersWithConfig(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}

			path := c.Request().URL.Path
			for _, prefix := range cfg.NoStorePrefixes {
				if strings.HasPrefix(path, prefix) {
					h.Set("Cache-Control", "no-store")
					h.Set("Pragma", "no-cache")
					break
				}
			}
			return next(c)
		}
	}
}
