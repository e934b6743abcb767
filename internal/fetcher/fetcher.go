// Package fetcher retrieves remote documents over rate-limited HTTP and reads
// tabular inputs (CSV, XLSX).
package fetcher

import (
	"context"
	"io"
	"net/url"
)

// Fetcher retrieves remote documents. Implementations make a single attempt
// per call; failures that are worth retrying are reported as
// *resilience.TransientError so callers can wrap calls in resilience.DoVal.
type Fetcher interface {
	// Download issues a GET and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// PostForm issues a form-encoded POST and returns the response body.
	PostForm(ctx context.Context, url string, form url.Values) (io.ReadCloser, error)
}
