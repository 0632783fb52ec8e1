package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"bookmate-proxy-go/internal/client"
	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/handler"
	"bookmate-proxy-go/internal/metrics"
	"bookmate-proxy-go/internal/middleware"
	"bookmate-proxy-go/internal/relay"
	"bookmate-proxy-go/internal/secret"
	"bookmate-proxy-go/internal/service"
	"bookmate-proxy-go/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// tokenLoadTimeout bounds the startup Vault read.
const tokenLoadTimeout = 10 * time.Second

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("bookmate-proxy"),
		kong.Description("Download proxy for the Bookmate book content API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTracing,
			newTracer,
			loadToken,
			newEcho,
			client.NewBookmateClient,
			fx.Annotate(service.NewBookService, fx.As(new(handler.BookFetcher))),
			relay.New,
			handler.NewBookHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})
	default:
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(h)
}

func newTracing(lc fx.Lifecycle, cfg *config.Config, v handler.Version, logger *slog.Logger) (*tracing.Provider, error) {
	p, err := tracing.New(context.Background(), cfg.Tracing, string(v))
	if err != nil {
		return nil, err
	}
	if p.Enabled() {
		logger.Info("tracing enabled",
			"endpoint", cfg.Tracing.Endpoint,
			"sampling_rate", cfg.Tracing.SamplingRate,
		)
	}
	lc.Append(fx.Hook{OnStop: p.Shutdown})
	return p, nil
}

func newTracer(p *tracing.Provider) trace.Tracer {
	return p.Tracer()
}

func loadToken(cfg *config.Config, logger *slog.Logger) (secret.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenLoadTimeout)
	defer cancel()
	return secret.Load(ctx, cfg, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: a book download may legitimately stream
	// for longer than any fixed bound.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Tracing(tracer))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	// Recover sits inside the logger so ordinary panics are logged as 500s;
	// http.ErrAbortHandler is re-panicked and reaches net/http.
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream", cfg.Upstream.BaseURL,
				"delivery", cfg.Delivery.Mode,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
