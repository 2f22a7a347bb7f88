package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Preflight returns an Echo middleware that answers every OPTIONS request
// with 200 and the relay's CORS policy, whatever the path or body.
// Other methods pass through untouched.
func Preflight() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodOptions {
				return next(c)
			}

			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, "GET, OPTIONS")
			h.Set(echo.HeaderAccessControlAllowHeaders, echo.HeaderContentType)
			return c.NoContent(http.StatusOK)
		}
	}
}
