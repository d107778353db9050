package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass token and tenant resolution.
var publicPaths = map[string]bool{
	"/health":                         true,
	"/health/db":                      true,
	"/metrics":                        true,
	"/api/v1/calendar/oauth/callback": true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
