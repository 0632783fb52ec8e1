// Package relay writes upstream book bodies to the client, either streamed
// incrementally or fully buffered first.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"bookmate-proxy-go/internal/config"
)

var (
	// ErrStream wraps failures reading the upstream body.
	ErrStream = errors.New("stream error")

	// ErrTooLarge is returned by the buffer strategy when the body exceeds its limit.
	ErrTooLarge = errors.New("book exceeds buffer limit")
)

// Strategy forwards bytes from the upstream body to the client response.
//
// On error, res.Committed tells the caller whether anything reached the
// client: if not, a clean error response can still be written.
type Strategy interface {
	Deliver(res *echo.Response, header http.Header, body io.Reader) (int64, error)
	Name() string
}

// New returns the strategy selected by delivery.mode.
func New(cfg *config.Config) Strategy {
	if cfg.Delivery.Mode == config.DeliveryBuffer {
		return &Buffer{MaxBytes: cfg.Delivery.MaxBufferBytes}
	}
	return &Stream{}
}

func writeHeader(res *echo.Response, header http.Header, status int) {
	for key, vals := range header {
		res.Header()[key] = vals
	}
	res.WriteHeader(status)
}

// Stream copies the body through a fixed-size buffer without holding the
// whole book in memory. Headers are committed only once the first chunk has
// been read, so an upstream failure before any data leaves nothing sent.
type Stream struct {
	ChunkSize int
}

const defaultChunkSize = 32 * 1024

// Name implements Strategy.
func (s *Stream) Name() string { return config.DeliveryStream }

// Deliver implements Strategy.
func (s *Stream) Deliver(res *echo.Response, header http.Header, body io.Reader) (int64, error) {
	size := s.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)

	n, err := readFirst(body, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %w", ErrStream, err)
	}

	writeHeader(res, header, http.StatusOK)
	if n > 0 {
		if _, werr := res.Write(buf[:n]); werr != nil {
			return 0, fmt.Errorf("write to client: %w", werr)
		}
		res.Flush()
	}
	if err != nil { // io.EOF
		return int64(n), nil
	}

	written := int64(n)
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := res.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %w", ErrStream, rerr)
		}
	}
}

// readFirst reads until at least one byte or an error arrives.
func readFirst(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Buffer reads the complete body into memory before sending anything.
// Suitable only for small payloads; MaxBytes caps memory use (0 means no cap).
type Buffer struct {
	MaxBytes int64
}

// Name implements Strategy.
func (b *Buffer) Name() string { return config.DeliveryBuffer }

// Deliver implements Strategy.
func (b *Buffer) Deliver(res *echo.Response, header http.Header, body io.Reader) (int64, error) {
	r := body
	if b.MaxBytes > 0 {
		r = io.LimitReader(body, b.MaxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStream, err)
	}
	if b.MaxBytes > 0 && int64(len(data)) > b.MaxBytes {
		return 0, fmt.Errorf("%w (%d bytes)", ErrTooLarge, b.MaxBytes)
	}

	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
	writeHeader(res, h, http.StatusOK)

	n, err := res.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("write to client: %w", err)
	}
	return int64(n), nil
}
