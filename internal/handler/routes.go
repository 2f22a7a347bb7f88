package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// HEAD is static-only, including under /proxy/.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.GET("/*", relay.Handle)
	e.HEAD("/*", relay.Static)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled || m == nil {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
