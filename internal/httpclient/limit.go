package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ResponseTooLargeError reports that a store or forge response body
// exceeded the caller's configured read limit (store: 4MiB, forge: 2MiB —
// see the maxResponseBytes constants in those packages). Both remote
// services are untrusted enough that an adapter must bound how much of a
// response it buffers rather than read an arbitrarily large body into
// memory on every tick.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response exceeded %d byte limit", e.Limit)
}

// IsResponseTooLarge reports whether err is a ResponseTooLargeError. Store
// and forge both treat it as permanent: retrying doesn't shrink the body.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit copies at most limit+1 bytes from r, which is enough to
// detect an over-limit body without ever buffering one in full. limit<=0
// disables the check (equivalent to io.ReadAll).
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return buf.Bytes(), nil
}
