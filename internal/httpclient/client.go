// Package httpclient builds the two kinds of *http.Client this scheduler
// ever constructs: a plain timeout-bounded client, and one additionally
// guarded by a circuit breaker (breaker.go). Both of the scheduler's HTTP
// collaborators — internal/store.HTTPStore (the remote state store) and
// internal/forge.GitHubClient — are always a single remote HTTPS host, so
// unlike a general-purpose client this carries no local-proxy-bypass or
// multi-destination routing logic: it respects the standard
// HTTP(S)_PROXY/NO_PROXY environment the way any Go program does, and
// nothing more.
package httpclient

import (
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// New returns a client with timeout applied (defaulting to 10s) and the
// process's standard proxy environment respected.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
	}
}
