package cache

import (
	"sync"
	"time"
)

// Key builds the registry key for an (owner, rule) pair. Both parts are
// required; calling with either empty is a programming error.
func Key(owner, ruleID string) string {
	if owner == "" || ruleID == "" {
		panic("cache: key requires owner and rule id")
	}
	return owner + "/" + ruleID
}

// Registry maps cache keys to buckets. Insert-if-absent goes through
// sync.Map's LoadOrStore so concurrent first-access converges on a single
// bucket; bucket traffic itself never goes through a registry-wide lock.
type Registry struct {
	buckets sync.Map // string -> *Bucket
}

func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the bucket for key, creating one via fresh if absent.
// An expired bucket under the key is replaced; when two callers race to
// replace, the loser discards its candidate and adopts the winner's.
func (r *Registry) GetOrCreate(key string, fresh func() *Bucket) *Bucket {
	if v, ok := r.buckets.Load(key); ok {
		b := v.(*Bucket)
		if !b.Expired() {
			return b
		}
		next := fresh()
		if r.buckets.CompareAndSwap(key, v, next) {
			return next
		}
		if v2, ok := r.buckets.Load(key); ok {
			return v2.(*Bucket)
		}
	}
	v, _ := r.buckets.LoadOrStore(key, fresh())
	return v.(*Bucket)
}

// FindByMatcher scans for the first non-expired bucket owned by owner whose
// matcher accepts the request. Linear scan: bucket count is bounded by the
// distinct (owner, rule) pairs actively in use.
func (r *Registry) FindByMatcher(owner, operation, path, method string) *Bucket {
	var found *Bucket
	r.buckets.Range(func(_, v any) bool {
		b := v.(*Bucket)
		if b.owner == owner && b.Matches(operation, path, method) {
			found = b
			return false
		}
		return true
	})
	return found
}

func (r *Registry) Len() int {
	n := 0
	r.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// BucketInfo is a point-in-time view of one registry entry.
type BucketInfo struct {
	Key        string
	Owner      string
	RuleID     string
	Matcher    string
	Method     string
	Available  int
	Capacity   int
	LastAccess time.Time
}

// Snapshot reads every bucket under its own lock and returns the views.
func (r *Registry) Snapshot() []BucketInfo {
	var out []BucketInfo
	r.buckets.Range(func(k, v any) bool {
		b := v.(*Bucket)
		b.mu.Lock()
		out = append(out, BucketInfo{
			Key:        k.(string),
			Owner:      b.owner,
			RuleID:     b.ruleID,
			Matcher:    b.matcher,
			Method:     b.method,
			Available:  b.available,
			Capacity:   b.capacity,
			LastAccess: b.lastAccess,
		})
		b.mu.Unlock()
		return true
	})
	return out
}
