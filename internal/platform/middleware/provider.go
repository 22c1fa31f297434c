package middleware

import (
	"github.com/labstack/echo/v4"
)

// ProviderIDHeader identifies the calling provider organization.
const ProviderIDHeader = "X-Provider-ID"

// ProviderID returns middleware that copies the provider header onto the
// echo context under "provider_id", where the rate limiter and handlers
// pick it up. Requests without the header pass through unchanged.
func ProviderID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get(ProviderIDHeader); id != "" {
				c.Set("provider_id", id)
			}
			return next(c)
		}
	}
}
