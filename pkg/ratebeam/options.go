package ratebeam

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithAPIKey sets the API key sent in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient substitutes the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-attempt timeout for remote fetches.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetries caps retry attempts for 5xx and transport failures.
// 4xx responses are never retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger attaches a zerolog logger; the default is a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTokenSource replaces the REST transport with a custom token source.
// Endpoint, API key, timeout and retry options are ignored when set.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.source = src }
}

// WithDefaultBucketSize sets the token batch size requested when no
// per-operation or per-path override applies.
func WithDefaultBucketSize(n int) Option {
	return func(c *Client) { c.defaultBucketSize = n }
}

// WithOperationBucketSize overrides the batch size for one named operation.
func WithOperationBucketSize(operation string, n int) Option {
	return func(c *Client) {
		if c.opSizes == nil {
			c.opSizes = map[string]int{}
		}
		c.opSizes[operation] = n
	}
}

// WithPathBucketSize overrides the batch size for one path.
func WithPathBucketSize(path string, n int) Option {
	return func(c *Client) {
		if c.pathSizes == nil {
			c.pathSizes = map[string]int{}
		}
		c.pathSizes[path] = n
	}
}

// WithStalenessWindow sets how long an untouched bucket keeps serving
// requests before it expires.
func WithStalenessWindow(d time.Duration) Option {
	return func(c *Client) { c.staleness = d }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}
