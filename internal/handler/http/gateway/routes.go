package gateway

import "github.com/labstack/echo/v4"

// SetupRoutes registers the façade's four endpoints on e, mirroring the
// teacher's one-method-per-handler-package convention.
func (h *Handler) SetupRoutes(e *echo.Echo) {
	e.POST("/v1/requests", h.HandleDispatch)
	e.GET("/v1/services/:id/status", h.HandleStatus)
	e.POST("/v1/services/:id/start", h.HandleStart)
	e.Any("/services/:id/*", h.HandleTransparentProxy)
}
