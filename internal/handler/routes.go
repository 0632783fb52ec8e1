package handler

import (
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics parameter may be nil when metrics are disabled.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	book *BookHandler,
	health *HealthHandler,
	m *metrics.Metrics,
	logger *slog.Logger,
) {
	e.GET("/ping", health.Ping)
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/book", book.Handle)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	registerStatic(e, cfg.Static.Dir, logger)
}

// registerStatic serves the public asset directory on every unmatched path.
func registerStatic(e *echo.Echo, dir string, logger *slog.Logger) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logger.Info("static directory not found, serving API only", "dir", dir)
		return
	}
	e.Static("/", dir)
	logger.Debug("serving static files", "dir", dir)
}
