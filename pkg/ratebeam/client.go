package ratebeam

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratebeam/ratebeam-go/internal/cache"
)

// DefaultEndpoint is the hosted RateBeam API base URL.
const DefaultEndpoint = "https://api.ratebeam.io"

// ConsumeRequest identifies one unit of a rate-limited action. Exactly one
// of Operation or Path must be set; Method is required with Path and
// forbidden with Operation.
type ConsumeRequest struct {
	Owner     string
	Operation string
	Path      string
	Method    string
}

// BucketStatus is the local bucket's fill level after a consume.
type BucketStatus struct {
	Available int
	Capacity  int
}

// Result reports the outcome of a Consume call. Bucket is nil when the
// request resolved to an uncached default rule.
type Result struct {
	Granted   bool
	FromCache bool
	Bucket    *BucketStatus
}

// Client consumes permission tokens from the RateBeam API through a local
// token-bucket cache. It is safe for concurrent use.
type Client struct {
	source TokenSource
	reg    *cache.Registry

	log     zerolog.Logger
	metrics *Metrics

	defaultBucketSize int
	opSizes           map[string]int
	pathSizes         map[string]int
	staleness         time.Duration
	now               func() time.Time

	// REST transport settings, unused with WithTokenSource
	apiKey     string
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
}

// New builds a Client. Without WithTokenSource an API key is required; its
// absence is a config error.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		log:               zerolog.Nop(),
		defaultBucketSize: 10,
		staleness:         cache.DefaultStalenessWindow,
		now:               time.Now,
		endpoint:          DefaultEndpoint,
		timeout:           5 * time.Second,
		maxRetries:        3,
	}
	for _, o := range opts {
		o(c)
	}

	if c.source == nil {
		if c.apiKey == "" {
			return nil, configError("api key is required (set WithAPIKey or RATEBEAM_API_KEY)")
		}
		c.source = newAPISource(c.endpoint, c.apiKey, c.httpClient, c.timeout, c.maxRetries, c.log)
	}
	c.reg = cache.NewRegistry()

	return c, nil
}

// NewFromConfig builds a Client from a loaded Config. Later options win
// over config fields.
func NewFromConfig(cfg *Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithAPIKey(cfg.APIKey),
		WithTimeout(cfg.Timeout()),
		WithStalenessWindow(cfg.Cache.StalenessWindow()),
	}
	if cfg.Endpoint != "" {
		base = append(base, WithEndpoint(cfg.Endpoint))
	}
	if cfg.MaxRetries > 0 {
		base = append(base, WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.Cache.DefaultBucketSize > 0 {
		base = append(base, WithDefaultBucketSize(cfg.Cache.DefaultBucketSize))
	}
	for op, n := range cfg.Cache.OperationBucketSizes {
		base = append(base, WithOperationBucketSize(op, n))
	}
	for p, n := range cfg.Cache.PathBucketSizes {
		base = append(base, WithPathBucketSize(p, n))
	}
	return New(append(base, opts...)...)
}

// Consume attempts to take one permission token for the request. The local
// cache is tried first; on a miss the client issues exactly one remote
// fetch, refills the matching bucket, and retries locally. Remote failures
// propagate unchanged with no bucket mutation.
func (c *Client) Consume(ctx context.Context, req ConsumeRequest) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	target := req.Operation
	if target == "" {
		target = req.Path
	}

	if b := c.reg.FindByMatcher(req.Owner, req.Operation, req.Path, req.Method); b != nil {
		if b.ConsumeOne() {
			avail, capacity := b.Status()
			c.recordHit(target)
			c.log.Debug().Str("owner", req.Owner).Str("target", target).
				Int("available", avail).Msg("cache hit")
			return &Result{
				Granted:   true,
				FromCache: true,
				Bucket:    &BucketStatus{Available: avail, Capacity: capacity},
			}, nil
		}
	}
	c.recordMiss(target)

	size := c.bucketSizeFor(req.Operation, req.Path)
	start := c.now()
	grant, err := c.source.FetchTokens(ctx, TokenRequest{
		Owner:     req.Owner,
		Operation: req.Operation,
		Path:      req.Path,
		Method:    req.Method,
		Count:     size,
	})
	c.recordFetch(target, c.now().Sub(start), err)
	if err != nil {
		c.log.Warn().Err(err).Str("owner", req.Owner).Str("target", target).
			Msg("remote token fetch failed")
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.TokensGranted.Add(float64(grant.Granted))
	}

	// a catch-all rule is not specific enough to cache against; a rule
	// without an id cannot be keyed at all
	if grant.Rule.IsDefault || grant.Rule.ID == "" {
		c.log.Debug().Str("owner", req.Owner).Str("target", target).
			Int("granted", grant.Granted).Msg("default rule, not caching")
		return &Result{Granted: grant.Granted > 0}, nil
	}

	b := c.reg.GetOrCreate(cache.Key(req.Owner, grant.Rule.ID), func() *cache.Bucket {
		return cache.NewBucket(cache.BucketConfig{
			Owner:      req.Owner,
			RuleID:     grant.Rule.ID,
			Capacity:   size,
			Matcher:    grant.Rule.Matcher,
			Method:     grant.Rule.Method,
			StaleAfter: c.staleness,
			Now:        c.now,
		})
	})
	b.Refill(grant.Granted)
	granted := b.ConsumeOne()
	avail, capacity := b.Status()

	if c.metrics != nil {
		c.metrics.LiveBuckets.Set(float64(c.reg.Len()))
	}
	c.log.Debug().Str("owner", req.Owner).Str("rule", grant.Rule.ID).
		Int("granted_batch", grant.Granted).Int("available", avail).
		Bool("granted", granted).Msg("bucket refilled")

	return &Result{
		Granted:   granted,
		FromCache: false,
		Bucket:    &BucketStatus{Available: avail, Capacity: capacity},
	}, nil
}

// CacheEntry is a point-in-time view of one live bucket.
type CacheEntry struct {
	Key        string
	Owner      string
	RuleID     string
	Matcher    string
	Method     string
	Available  int
	Capacity   int
	LastAccess time.Time
}

// CacheStatus returns a snapshot of the live buckets for introspection.
func (c *Client) CacheStatus() []CacheEntry {
	infos := c.reg.Snapshot()
	out := make([]CacheEntry, 0, len(infos))
	for _, b := range infos {
		out = append(out, CacheEntry{
			Key:        b.Key,
			Owner:      b.Owner,
			RuleID:     b.RuleID,
			Matcher:    b.Matcher,
			Method:     b.Method,
			Available:  b.Available,
			Capacity:   b.Capacity,
			LastAccess: b.LastAccess,
		})
	}
	return out
}

func (c *Client) validate(req ConsumeRequest) error {
	return TokenRequest{
		Owner:     req.Owner,
		Operation: req.Operation,
		Path:      req.Path,
		Method:    req.Method,
		Count:     1,
	}.Validate()
}

// bucketSizeFor resolves the effective batch size: path override, then
// operation override, then default.
func (c *Client) bucketSizeFor(operation, path string) int {
	if path != "" {
		if n, ok := c.pathSizes[path]; ok && n > 0 {
			return n
		}
	}
	if operation != "" {
		if n, ok := c.opSizes[operation]; ok && n > 0 {
			return n
		}
	}
	return c.defaultBucketSize
}

func (c *Client) recordHit(target string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheHits.WithLabelValues(target).Inc()
}

func (c *Client) recordMiss(target string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheMisses.WithLabelValues(target).Inc()
}

func (c *Client) recordFetch(target string, d time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RemoteFetches.WithLabelValues(target).Inc()
	c.metrics.RemoteFetchDuration.Observe(d.Seconds())
	if err != nil {
		c.metrics.RemoteFetchErrors.WithLabelValues(KindOf(err).String()).Inc()
	}
}
