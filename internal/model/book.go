// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// BookQuery is the inbound /book request.
type BookQuery struct {
	UUID string `query:"uuid" validate:"required"`
}

// BookResponse is the upstream content response to be relayed back.
// Body is consumed exactly once and must be closed by the caller.
type BookResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// OK reports whether the upstream answered with a 2xx status.
func (r *BookResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
