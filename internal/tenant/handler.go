package tenant

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/his/his/internal/platform/auth"
	"github.com/his/his/pkg/pagination"
)

// Handler exposes the tenancy subsystem over HTTP: public onboarding and
// status endpoints, and administrative management of hospitals, module
// flags, and settings.
type Handler struct {
	registry    *Registry
	provisioner *Provisioner
	gate        *Gate
	settings    *Settings
	production  bool
}

func NewHandler(registry *Registry, provisioner *Provisioner, gate *Gate, settings *Settings, production bool) *Handler {
	return &Handler{
		registry:    registry,
		provisioner: provisioner,
		gate:        gate,
		settings:    settings,
		production:  production,
	}
}

// RegisterPublicRoutes mounts the endpoints that have no tenant yet:
// onboarding and status polling. These paths are on the resolver's
// exclusion list.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.POST("/tenants/register", h.register)
	g.GET("/tenants/status/:slug", h.status)
}

// RegisterAdminRoutes mounts hospital management under an admin-only group.
func (h *Handler) RegisterAdminRoutes(g *echo.Group) {
	g.Use(auth.RequireRole("admin"))

	g.GET("/tenants", h.list)
	g.GET("/tenants/:id", h.get)
	g.PATCH("/tenants/:id/status", h.setStatus)
	g.DELETE("/tenants/:id", h.remove)

	g.GET("/tenants/:id/modules", h.listModules)
	g.PUT("/tenants/:id/modules/:module", h.setModule)

	g.GET("/tenants/:id/settings", h.listSettings)
	g.PUT("/tenants/:id/settings/:key", h.setSetting)
	g.DELETE("/tenants/:id/settings/:key", h.deleteSetting)
	g.GET("/tenants/:id/settings-public", h.publicSettings)
}

// RegisterHealthRoutes mounts the per-hospital reachability probe.
func (h *Handler) RegisterHealthRoutes(e *echo.Echo) {
	e.GET("/health/tenant/:slug", h.tenantHealth)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, body := ErrorBody(err, h.production)
	return c.JSON(status, body)
}

func (h *Handler) register(c echo.Context) error {
	var req OnboardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hospital, err := h.provisioner.Onboard(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, hospital)
}

// status is public so an onboarding hospital can poll for readiness. It
// leaks nothing beyond the lifecycle status.
func (h *Handler) status(c echo.Context) error {
	hospital, err := h.registry.GetBySlug(c.Request().Context(), c.Param("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.fail(c, &NotFoundError{RoutingKey: c.Param("slug")})
		}
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"slug":   hospital.Slug,
		"status": hospital.Status,
	})
}

func (h *Handler) tenantHealth(c echo.Context) error {
	ctx := c.Request().Context()
	hospital, err := h.registry.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.fail(c, &NotFoundError{RoutingKey: c.Param("slug")})
		}
		return h.fail(c, err)
	}
	if err := h.provisioner.Verify(ctx, hospital); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) list(c echo.Context) error {
	p := pagination.FromContext(c)
	hospitals, total, err := h.registry.repo.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(hospitals, total, p.Limit, p.Offset))
}

func (h *Handler) hospitalID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	return id, nil
}

func (h *Handler) get(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	hospital, err := h.registry.GetByIDFresh(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.fail(c, &NotFoundError{RoutingKey: c.Param("id")})
		}
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, hospital)
}

func (h *Handler) setStatus(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.Status.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	hospital, err := h.provisioner.SetStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.fail(c, &NotFoundError{RoutingKey: c.Param("id")})
		}
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, hospital)
}

func (h *Handler) remove(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	if err := h.provisioner.Remove(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.fail(c, &NotFoundError{RoutingKey: c.Param("id")})
		}
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listModules(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	flags, err := h.gate.List(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, flags)
}

func (h *Handler) setModule(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	module := c.Param("module")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	var changed bool
	if req.Enabled {
		changed, err = h.gate.Enable(ctx, id, module, auth.UserIDFromContext(ctx))
	} else {
		changed, err = h.gate.Disable(ctx, id, module)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"module":  module,
		"enabled": req.Enabled,
		"changed": changed,
	})
}

func (h *Handler) listSettings(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if group := c.QueryParam("group"); group != "" {
		values, err := h.settings.GetGroup(ctx, id, group)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(http.StatusOK, values)
	}
	rows, err := h.settings.List(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) setSetting(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	var req struct {
		Value       interface{} `json:"value"`
		Group       string      `json:"group"`
		Description string      `json:"description"`
		Public      bool        `json:"is_public"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = h.settings.Set(c.Request().Context(), id, c.Param("key"), req.Value, SetOptions{
		Group:       req.Group,
		Description: req.Description,
		Public:      req.Public,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) deleteSetting(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	deleted, err := h.settings.Delete(c.Request().Context(), id, c.Param("key"))
	if err != nil {
		return h.fail(c, err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "setting not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) publicSettings(c echo.Context) error {
	id, err := h.hospitalID(c)
	if err != nil {
		return err
	}
	values, err := h.settings.GetPublic(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, values)
}
