package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	schederrors "github.com/maxthelion/octopoid/internal/errors"
	"github.com/maxthelion/octopoid/internal/logging"
)

// circuitBreakerRoundTripper wraps a base transport with a per-endpoint-group
// breaker, so a flapping poll endpoint doesn't trip the breaker protecting
// claims.
type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *schederrors.CircuitBreaker
	logger  logging.Logger
}

// NewWithCircuitBreaker builds the *http.Client a store endpoint group or
// the forge client uses: a timeout-bounded transport guarded by a breaker
// with the default threshold/timeout.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithCircuitBreakerConfig(timeout, logger, name, schederrors.DefaultCircuitBreakerConfig())
}

// NewWithCircuitBreakerConfig is NewWithCircuitBreaker with a caller-supplied
// breaker configuration, for tests that want a tighter failure threshold.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config schederrors.CircuitBreakerConfig) *http.Client {
	client := New(timeout)
	client.Transport = WrapTransportWithCircuitBreaker(client.Transport, name, config, logger)
	return client
}

// WrapTransportWithCircuitBreaker wraps base in breaker protection, naming
// the breaker for log lines so an operator can tell "store-claim" failures
// apart from "store-poll" or "forge-github" ones.
func WrapTransportWithCircuitBreaker(base http.RoundTripper, name string, config schederrors.CircuitBreakerConfig, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &circuitBreakerRoundTripper{
		base:    base,
		breaker: schederrors.NewCircuitBreaker(name, config),
		logger:  logging.OrNop(logger),
	}
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	if err := t.breaker.Allow(); err != nil {
		t.logger.Warn("request to %s blocked: %v", req.URL.Host, err)
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// A cancelled context is the caller giving up, not the
			// endpoint failing; don't count it against the breaker.
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}

	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

// isBreakerFailureStatus reports the statuses that count as a breaker
// failure: 5xx (the server is unhealthy) and 429 (the server is asking
// callers to back off, which a breaker trip does for free).
func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
