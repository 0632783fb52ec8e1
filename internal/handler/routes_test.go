package handler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/mock"

	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/metrics"
	"bookmate-proxy-go/internal/relay"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>reader</h1>"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "https://api.bookmate.yandex.net"},
		Static:   config.StaticConfig{Dir: dir},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, "abc").
		Return(bookResponse(http.StatusOK, "", strings.NewReader("book")), nil)

	logger := discardLogger()
	book := NewBookHandler(f, &relay.Stream{}, cfg, nil, logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, book, health, metrics.New(), logger)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET /ping", http.MethodGet, "/ping", http.StatusOK, "pong"},
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, `"ok"`},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, "bookmate"},
		{"GET /book", http.MethodGet, "/book?uuid=abc", http.StatusOK, "book"},
		{"GET /book without uuid", http.MethodGet, "/book", http.StatusBadRequest, "Missing book uuid"},
		{"POST /book is not routed", http.MethodPost, "/book?uuid=abc", http.StatusMethodNotAllowed, ""},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK, "go_goroutines"},
		{"GET / serves index", http.MethodGet, "/", http.StatusOK, "<h1>reader</h1>"},
		{"GET static asset", http.MethodGet, "/app.js", http.StatusOK, "console.log(1)"},
		{"GET unknown asset", http.MethodGet, "/missing.css", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want substring %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRegisterRoutes_NoStaticDirNoMetrics(t *testing.T) {
	cfg := &config.Config{
		Static: config.StaticConfig{Dir: filepath.Join(t.TempDir(), "absent")},
	}
	logger := discardLogger()
	book := NewBookHandler(new(mockFetcher), &relay.Stream{}, cfg, nil, logger)

	e := echo.New()
	RegisterRoutes(e, cfg, book, NewHealthHandler(cfg, "test"), nil, logger)

	for _, path := range []string{"/", "/index.html", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
}
