// Package client provides the upstream HTTP client for the Bookmate API.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/metrics"
	"bookmate-proxy-go/internal/model"
)

// BookmateClient sends requests to the upstream Bookmate API.
type BookmateClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewBookmateClient creates a BookmateClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// upstream.timeout_seconds bounds the wait for response headers only. There is
// no overall client timeout, so long book downloads are never cut mid-stream;
// the inbound request context still cancels the transfer when the caller leaves.
func NewBookmateClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *BookmateClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BookmateClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "bookmate_client"),
		metrics:    m,
		tracer:     tracer,
	}
}

// Get issues a single GET against the upstream and returns the raw response.
// The caller is responsible for closing the response body. The provided
// context controls the lifetime of the upstream request, body included.
func (c *BookmateClient) Get(ctx context.Context, url string, header http.Header) (*model.BookResponse, error) {
	ctx, span := c.tracer.Start(ctx, "bookmate.get", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	span.SetAttributes(attribute.String("url.path", req.URL.Path))

	c.logger.Debug("upstream request", "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via BookResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamResponses.WithLabelValues("error").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	}

	return &model.BookResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}
