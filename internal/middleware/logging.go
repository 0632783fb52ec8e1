// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests whose handler aborted the connection mid-response are logged too.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "access")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			aborted := true

			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				status := responseStatus(c, err)
				switch {
				case aborted:
					level = slog.LevelWarn
				case status >= 500:
					level = slog.LevelError
				}

				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", status,
					"aborted", aborted,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}()

			err = next(c)
			aborted = false
			return err
		}
	}
}
