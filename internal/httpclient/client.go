// Package httpclient builds the outbound HTTP client used for LLM
// endpoint calls.
package httpclient

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient creates an HTTP client whose transport keeps
// enough idle connections for many parallel requests against the same
// endpoint. Extraction posts image payloads concurrently to one host
// per project, so the default two idle connections per host would
// force constant reconnects. No client timeout is set: deadlines come
// from the request context, carrying each project's configured
// timeout.
func NewPooledHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 32
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: transport,
	}
}
