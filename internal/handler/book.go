package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"bookmate-proxy-go/internal/config"
	"bookmate-proxy-go/internal/metrics"
	"bookmate-proxy-go/internal/model"
	"bookmate-proxy-go/internal/relay"
	"bookmate-proxy-go/internal/service"
)

const (
	defaultContentType = "application/epub+zip"

	msgMissingUUID    = "Missing book uuid"
	msgUpstreamFailed = "Failed to fetch book from Bookmate"
	msgStreamError    = "Stream error"
)

var filenameEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// BookFetcher issues the upstream request for a book's content.
type BookFetcher interface {
	Fetch(ctx context.Context, uuid string) (*model.BookResponse, error)
}

// BookHandler relays book downloads from the Bookmate API.
type BookHandler struct {
	fetcher  BookFetcher
	relay    relay.Strategy
	cfg      *config.Config
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewBookHandler creates a BookHandler. The metrics parameter may be nil.
func NewBookHandler(f BookFetcher, r relay.Strategy, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *BookHandler {
	return &BookHandler{
		fetcher:  f,
		relay:    r,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  m,
		logger:   logger.With("component", "book_handler"),
	}
}

// Handle serves GET /book?uuid=<id>.
func (h *BookHandler) Handle(c echo.Context) error {
	var q model.BookQuery
	if err := h.bindQuery(c, &q); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msgMissingUUID})
	}

	resp, err := h.fetcher.Fetch(c.Request().Context(), q.UUID)
	if err != nil {
		h.logger.Error("server error in /book", "err", err, "uuid", q.UUID)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		return h.upstreamFailure(c, q.UUID, resp)
	}

	n, err := h.relay.Deliver(c.Response(), downloadHeader(q.UUID, resp.Header), resp.Body)
	if err == nil {
		h.record("ok", n)
		return nil
	}
	return h.deliveryFailure(c, q.UUID, n, err)
}

func (h *BookHandler) bindQuery(c echo.Context, q *model.BookQuery) error {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, q); err != nil {
		return err
	}
	return h.validate.Struct(q)
}

func (h *BookHandler) upstreamFailure(c echo.Context, uuid string, resp *model.BookResponse) error {
	details := service.ReadFailureBody(resp.Body)
	h.logger.Error("bookmate fetch failed",
		"status", resp.StatusCode,
		"uuid", uuid,
		"details", details,
	)

	body := map[string]string{"error": msgUpstreamFailed}
	if !h.cfg.Delivery.HideErrorDetails {
		body["details"] = details
	}
	return c.JSON(resp.StatusCode, body)
}

// deliveryFailure answers with a 500 while nothing has been sent. Once the
// response is committed the only option left is dropping the connection.
func (h *BookHandler) deliveryFailure(c echo.Context, uuid string, n int64, err error) error {
	if c.Response().Committed {
		h.record("aborted", n)
		h.logger.Error("stream error from bookmate response; aborting connection",
			"err", err,
			"uuid", uuid,
			"bytes_sent", n,
		)
		panic(http.ErrAbortHandler)
	}

	h.record("failed", n)
	h.logger.Error("book delivery failed", "err", err, "uuid", uuid, "mode", h.relay.Name())
	if errors.Is(err, relay.ErrStream) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgStreamError})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (h *BookHandler) record(outcome string, n int64) {
	if h.metrics == nil {
		return
	}
	h.metrics.BooksRelayed.WithLabelValues(h.relay.Name(), outcome).Inc()
	h.metrics.BytesRelayed.WithLabelValues(h.relay.Name()).Add(float64(n))
}

// downloadHeader builds the client-facing headers from the upstream ones.
func downloadHeader(uuid string, upstream http.Header) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if h.Get(echo.HeaderContentType) == "" {
		h.Set(echo.HeaderContentType, defaultContentType)
	}
	h.Set(echo.HeaderContentDisposition, `attachment; filename="`+filenameEscaper.Replace(uuid)+`.epub"`)
	return h
}
