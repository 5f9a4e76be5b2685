package tenant

import (
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/his/his/internal/platform/auth"
)

// Middleware performs the per-request tenancy sequence: resolve the
// hospital, check it is active, activate its database connection, and gate
// the target module. Requests on skipped paths pass straight through with no
// tenant context at all.
type Middleware struct {
	resolver    *Resolver
	switchboard *Switchboard
	gate        *Gate
	// Skip returns true for paths that have no tenant by definition, such
	// as onboarding and health endpoints. Checked before any resolution.
	Skip func(path string) bool
	// Production suppresses diagnostic detail in error bodies.
	Production bool
}

func NewMiddleware(resolver *Resolver, sb *Switchboard, gate *Gate, skip func(string) bool, production bool) *Middleware {
	return &Middleware{
		resolver:    resolver,
		switchboard: sb,
		gate:        gate,
		Skip:        skip,
		Production:  production,
	}
}

// signals extracts the resolver inputs from the request. Headers win over
// the equivalent query parameters.
func signals(c echo.Context) Signals {
	req := c.Request()
	sig := Signals{
		Override:     req.Header.Get(HeaderTenantOverride),
		TenantID:     req.Header.Get(HeaderTenantID),
		TenantDomain: req.Header.Get(HeaderTenantDomain),
		Host:         req.Host,
	}
	if sig.TenantID == "" {
		sig.TenantID = c.QueryParam("tenant_id")
	}
	if sig.TenantDomain == "" {
		sig.TenantDomain = c.QueryParam("tenant_domain")
	}
	if claims := auth.ClaimsFromContext(req.Context()); claims.HasHomeHospital() {
		sig.PrincipalHome = claims.HospitalID
	}
	return sig
}

// Handler is the echo middleware. Every request gets a fresh disconnected
// session, and the deferred reset guarantees no hospital connection survives
// the request, cancelled or not.
func (m *Middleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if m.Skip != nil && m.Skip(path) {
				return next(c)
			}

			session := m.switchboard.NewSession()
			defer session.Disconnect()

			ctx := c.Request().Context()
			sig := signals(c)

			res, err := m.resolver.Resolve(ctx, sig)
			if err != nil {
				return m.reject(c, sig, err)
			}

			if err := session.Connect(ctx, res.Hospital); err != nil {
				return m.reject(c, sig, err)
			}

			ctx = WithSession(ctx, session)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("hospital_id", res.Hospital.ID)

			if err := m.gate.CheckPath(ctx, path); err != nil {
				return m.reject(c, sig, err)
			}

			log.Debug().
				Int64("hospital_id", res.Hospital.ID).
				Str("via", res.Via).
				Str("path", path).
				Msg("hospital resolved")

			return next(c)
		}
	}
}

// reject logs the failure with enough context to reconstruct the resolution
// decision, then writes the structured error body.
func (m *Middleware) reject(c echo.Context, sig Signals, err error) error {
	log.Warn().
		Err(err).
		Str("host", sig.Host).
		Str("path", c.Request().URL.Path).
		Int64("principal_hospital_id", sig.PrincipalHome).
		Msg("request rejected by tenancy layer")

	status, body := ErrorBody(err, m.Production)
	return c.JSON(status, body)
}
