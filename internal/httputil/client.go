package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with pooled transport settings shared by
// all outbound callers (webhook delivery, email provider, alerting).
//
// Transport settings:
//   - MaxIdleConns: 100 (total idle connections across all hosts)
//   - MaxIdleConnsPerHost: 10 (idle connections per host)
//   - IdleConnTimeout: 90s (time to keep idle connections alive)
//
// Connection reuse matters here because webhook targets and the email API
// are hit repeatedly from the confirmation fanout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
