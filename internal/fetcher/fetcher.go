// Package fetcher provides the HTTP transport used by feature-service pagers:
// connect/read timeouts, per-host rate limiting, and classification of
// failures into retryable and non-retryable errors.
package fetcher

import (
	"context"
	"net/url"
)

// Fetcher performs a single GET attempt against a feature-service endpoint.
// Retries are owned by the caller.
type Fetcher interface {
	// Get issues a GET for rawURL with params merged into its query string
	// and returns the full response body. Errors are classified as
	// resilience.TransientError or resilience.RequestError.
	Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}
