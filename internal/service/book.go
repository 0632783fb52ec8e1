// Package service implements the upstream book fetch.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ryanuber/go-glob"

	"bookmate-proxy-go/internal/client"
	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/model"
	"bookmate-proxy-go/internal/secret"
)

// ErrMissingToken is returned when no Bookmate credential was configured.
var ErrMissingToken = errors.New("bookmate token is not configured")

// bookContentPath is the versioned content endpoint; %s is the escaped book uuid.
const bookContentPath = "/api/v5/books/%s/content/v4"

// maxFailureBody bounds how much of an upstream error body is relayed as details.
const maxFailureBody = 64 * 1024

// forwardableResponseHeaders are the only upstream headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
}

const userAgent = "bookmate-proxy-go/1.0"

// BookService resolves book identifiers to authenticated upstream requests.
type BookService struct {
	client  *client.BookmateClient
	cfg     *config.Config
	token   secret.Token
	logger  *slog.Logger
	baseURL *url.URL
}

// NewBookService creates a BookService. The upstream host must match one of
// upstream.allowed_hosts (glob patterns such as "*.bookmate.yandex.net").
func NewBookService(c *client.BookmateClient, cfg *config.Config, token secret.Token, logger *slog.Logger) (*BookService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !hostAllowed(u.Hostname(), cfg.Upstream.AllowedHosts) {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &BookService{
		client:  c,
		cfg:     cfg,
		token:   token,
		logger:  logger.With("component", "book_service"),
		baseURL: u,
	}, nil
}

func hostAllowed(host string, patterns []string) bool {
	for _, p := range patterns {
		if glob.Glob(p, host) {
			return true
		}
	}
	return false
}

// Fetch issues exactly one authenticated GET for the book content and returns
// the upstream response, whatever its status. The caller closes the body.
func (s *BookService) Fetch(ctx context.Context, uuid string) (*model.BookResponse, error) {
	if s.token == "" {
		return nil, ErrMissingToken
	}

	s.logger.Debug("fetching book", "uuid", uuid)

	resp, err := s.client.Get(ctx, s.buildBookURL(uuid), s.requestHeader())
	if err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", uuid, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *BookService) buildBookURL(uuid string) string {
	u := *s.baseURL
	base := strings.TrimSuffix(u.Path, "/")
	u.Path = base + fmt.Sprintf(bookContentPath, uuid)
	u.RawPath = base + fmt.Sprintf(bookContentPath, url.PathEscape(uuid))
	u.RawQuery = ""
	return u.String()
}

// requestHeader attaches the credential using the configured scheme.
func (s *BookService) requestHeader() http.Header {
	h := make(http.Header)
	switch s.cfg.Bookmate.AuthScheme {
	case config.AuthSchemeToken:
		h.Set("Authorization", "Token "+string(s.token))
	default:
		h.Set("auth-token", string(s.token))
	}
	h.Set("User-Agent", userAgent)
	return h
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// ReadFailureBody reads an upstream error body for diagnostics. It never
// fails: a read error yields an empty string.
func ReadFailureBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxFailureBody))
	if err != nil {
		return ""
	}
	return string(data)
}
