package cache

import (
	"regexp"
	"sync"
	"time"
)

// DefaultStalenessWindow is how long a bucket may go untouched before it
// stops matching requests and becomes eligible for replacement.
const DefaultStalenessWindow = 60 * time.Second

type BucketConfig struct {
	Owner      string
	RuleID     string
	Capacity   int
	Matcher    string
	Method     string // set only for path-based matchers
	StaleAfter time.Duration
	Now        func() time.Time
}

// Bucket caches pre-granted permission tokens for one (owner, rule) pair.
type Bucket struct {
	owner    string
	ruleID   string
	matcher  string
	method   string
	pattern  *regexp.Regexp // nil when matcher is a literal
	capacity int

	staleAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	available  int
	lastAccess time.Time
}

func NewBucket(cfg BucketConfig) *Bucket {
	if cfg.Capacity <= 0 {
		panic("cache: bucket capacity must be positive")
	}
	b := &Bucket{
		owner:      cfg.Owner,
		ruleID:     cfg.RuleID,
		matcher:    cfg.Matcher,
		method:     cfg.Method,
		capacity:   cfg.Capacity,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
	}
	if b.staleAfter <= 0 {
		b.staleAfter = DefaultStalenessWindow
	}
	if b.now == nil {
		b.now = time.Now
	}
	// pattern if it compiles, literal equality otherwise
	if re, err := regexp.Compile(cfg.Matcher); err == nil {
		b.pattern = re
	}
	b.lastAccess = b.now()
	return b
}

func (b *Bucket) Owner() string  { return b.owner }
func (b *Bucket) RuleID() string { return b.ruleID }

// ConsumeOne takes one token if any are available. Returns false without
// mutation when the bucket is empty.
func (b *Bucket) ConsumeOne() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.available <= 0 {
		return false
	}
	b.available--
	b.lastAccess = b.now()
	return true
}

// Refill adds up to n tokens, clamped at capacity, and returns how many
// were actually added (0 when already full).
func (b *Bucket) Refill(n int) int {
	if n < 0 {
		panic("cache: refill count must be non-negative")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	added := n
	if room := b.capacity - b.available; added > room {
		added = room
	}
	b.available += added
	b.lastAccess = b.now()
	return added
}

// Status reports the current fill level and capacity.
func (b *Bucket) Status() (available, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available, b.capacity
}

// Expired reports whether the bucket has gone untouched for longer than the
// staleness window.
func (b *Bucket) Expired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.lastAccess) > b.staleAfter
}

// Matches reports whether this bucket serves the given request. Expired
// buckets never match. Operation matches require the bucket to have no
// method filter; path matches require the filter to equal the request
// method.
func (b *Bucket) Matches(operation, path, method string) bool {
	if b.Expired() {
		return false
	}
	if operation != "" {
		return b.method == "" && b.matchTarget(operation)
	}
	if path != "" {
		return b.method == method && b.matchTarget(path)
	}
	return false
}

func (b *Bucket) matchTarget(target string) bool {
	if b.pattern != nil {
		return b.pattern.MatchString(target)
	}
	return b.matcher == target
}
