package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/metrics"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		level     string
		wantDebug bool
		wantTint  bool
	}{
		{"json default", "", "", false, false},
		{"json debug", "json", "debug", true, false},
		{"text via tint", "text", "info", false, true},
		{"text uppercase", "TEXT", "DEBUG", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Log: config.LogConfig{Format: tt.format, Level: tt.level}}
			logger := newLogger(cfg)

			assert.Equal(t, tt.wantDebug, logger.Enabled(t.Context(), slog.LevelDebug))
			_, isJSON := logger.Handler().(*slog.JSONHandler)
			assert.Equal(t, !tt.wantTint, isJSON)
			if tt.wantTint {
				assert.IsType(t, tint.NewHandler(io.Discard, nil), logger.Handler())
			}
		})
	}
}

func TestNewEcho_RequestIDAndSecurityHeaders(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{BodyMaxBytes: 1024}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := newTracing(fxtest.NewLifecycle(t), &config.Config{}, "test", logger)
	require.NoError(t, err)

	e := newEcho(cfg, logger, metrics.New(), p.Tracer())
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	srv := newTestServer(t, e)
	resp, err := http.Get(srv + "/ping")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Len(t, resp.Header.Get(echo.HeaderXRequestID), 36, "uuid request id")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func newTestServer(t *testing.T, e *echo.Echo) string {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: port}}
	lc := fxtest.NewLifecycle(t)
	startServer(lc, e, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	lc.RequireStart()
	t.Cleanup(lc.RequireStop)

	return "http://" + cfg.Server.Addr()
}

func TestStartServer_BindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: port}}
	lc := fxtest.NewLifecycle(t)
	startServer(lc, echo.New(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err = lc.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("bind 127.0.0.1:%d", port))
}

func TestAppOptions_Validate(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(&config.CLI{})))
}

func TestApp_ServesWithoutToken(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	cli := &config.CLI{
		Host:     "127.0.0.1",
		Port:     port,
		LogLevel: "error",
	}
	app := fxtest.New(t, appOptions(cli), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	resp, err := http.Get(base + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	resp, err = http.Get(base + "/book?uuid=abc")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "bookmate token is not configured", payload["error"])
}
