package store

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. A non-2xx response fails with one of these (wrapped
// with the status and body), and Claim reports ErrNotAvailable; transport,
// encode and decode failures carry the underlying error instead.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: optimistic lock lost")
	ErrValidation   = errors.New("store: validation failed")
	ErrNetwork      = errors.New("store: network error")
	ErrNotAvailable = errors.New("store: no matching task")
)

// classifyStatus maps an HTTP status code to one of the sentinel kinds.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status >= 200 && status < 300:
		return nil
	default:
		return ErrNetwork
	}
}

// wrapStatus produces a caller-facing error naming both the sentinel kind
// and the HTTP status/body detail, so logs carry enough to diagnose without
// needing a packet capture.
func wrapStatus(op string, status int, body string) error {
	kind := classifyStatus(status)
	if kind == nil {
		return nil
	}
	return fmt.Errorf("%s: %w (status %d: %s)", op, kind, status, body)
}
