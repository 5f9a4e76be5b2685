package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass authentication and tenant
// resolution. Onboarding endpoints must be reachable by hospitals that do
// not exist yet, and health checks must work when no tenant can be resolved
// at all.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/health/db":               true,
	"/api/v1/tenants/register": true,
}

// publicPrefixes covers parameterized public routes.
var publicPrefixes = []string{
	"/api/v1/tenants/status/",
	"/health/tenant/",
}

// IsPublicPath reports whether the given path is a public infrastructure or
// onboarding endpoint that should bypass auth and tenant middleware.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Skipper adapts IsPublicPath for echo middleware configs.
func Skipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}
