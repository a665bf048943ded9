package cache

import (
	"sync"
	"testing"
	"time"
)

func testBucket(capacity int, now func() time.Time) *Bucket {
	return NewBucket(BucketConfig{
		Owner:    "user_1",
		RuleID:   "rule_1",
		Capacity: capacity,
		Matcher:  "send_email",
		Now:      now,
	})
}

func TestBucket_ConsumeAndRefill(t *testing.T) {
	b := testBucket(10, nil)

	if b.ConsumeOne() {
		t.Fatal("empty bucket should not serve a token")
	}

	if added := b.Refill(4); added != 4 {
		t.Fatalf("refill into empty bucket added %d, want 4", added)
	}

	for i := 0; i < 4; i++ {
		if !b.ConsumeOne() {
			t.Fatalf("consume %d unexpectedly failed", i)
		}
	}
	if b.ConsumeOne() {
		t.Error("5th consume should fail with 4 tokens refilled")
	}

	avail, capacity := b.Status()
	if avail != 0 || capacity != 10 {
		t.Errorf("status = (%d, %d), want (0, 10)", avail, capacity)
	}
}

func TestBucket_RefillClampsAtCapacity(t *testing.T) {
	b := testBucket(10, nil)

	b.Refill(8)
	if added := b.Refill(5); added != 2 {
		t.Errorf("refill of 5 into 8/10 added %d, want 2", added)
	}
	if avail, _ := b.Status(); avail != 10 {
		t.Errorf("available = %d, want 10", avail)
	}

	if added := b.Refill(3); added != 0 {
		t.Errorf("refill into full bucket added %d, want 0", added)
	}
}

func TestBucket_NoDoubleConsumptionUnderContention(t *testing.T) {
	b := testBucket(5, nil)
	b.Refill(5)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.ConsumeOne()
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	if successes != 5 {
		t.Errorf("got %d successful consumes, want exactly 5", successes)
	}
	if avail, _ := b.Status(); avail != 0 {
		t.Errorf("available = %d after exhaustion, want 0", avail)
	}
}

func TestBucket_CapacityInvariantUnderMixedLoad(t *testing.T) {
	b := testBucket(7, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if i%2 == 0 {
					b.ConsumeOne()
				} else {
					b.Refill(3)
				}
				avail, capacity := b.Status()
				if avail < 0 || avail > capacity {
					t.Errorf("available = %d outside [0, %d]", avail, capacity)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestBucket_Expiry(t *testing.T) {
	current := time.Now()
	now := func() time.Time { return current }

	b := NewBucket(BucketConfig{
		Owner:      "user_1",
		RuleID:     "rule_1",
		Capacity:   5,
		Matcher:    "send_email",
		StaleAfter: 60 * time.Second,
		Now:        now,
	})
	b.Refill(5)

	if b.Expired() {
		t.Fatal("fresh bucket reported expired")
	}
	if !b.Matches("send_email", "", "") {
		t.Fatal("fresh bucket should match its operation")
	}

	current = current.Add(61 * time.Second)
	if !b.Expired() {
		t.Error("bucket untouched for 61s should be expired")
	}
	if b.Matches("send_email", "", "") {
		t.Error("expired bucket must never match")
	}

	// any access resets the staleness clock
	current = current.Add(-2 * time.Second)
	b.ConsumeOne()
	current = current.Add(30 * time.Second)
	if b.Expired() {
		t.Error("bucket accessed 30s ago should not be expired")
	}
}

func TestBucket_Matches(t *testing.T) {
	opBucket := NewBucket(BucketConfig{
		Owner: "u", RuleID: "r1", Capacity: 1, Matcher: "send_.*",
	})
	pathBucket := NewBucket(BucketConfig{
		Owner: "u", RuleID: "r2", Capacity: 1, Matcher: "/api/export", Method: "POST",
	})
	// "(" does not compile, falls back to literal comparison
	literalBucket := NewBucket(BucketConfig{
		Owner: "u", RuleID: "r3", Capacity: 1, Matcher: "send(email",
	})

	cases := []struct {
		name                    string
		b                       *Bucket
		operation, path, method string
		want                    bool
	}{
		{"operation regex match", opBucket, "send_email", "", "", true},
		{"operation regex miss", opBucket, "export", "", "", false},
		{"operation bucket rejects path request", opBucket, "", "/send_email", "GET", false},
		{"path with matching method", pathBucket, "", "/api/export", "POST", true},
		{"path with wrong method", pathBucket, "", "/api/export", "GET", false},
		{"path bucket rejects operation request", pathBucket, "/api/export", "", "", false},
		{"literal fallback exact", literalBucket, "send(email", "", "", true},
		{"literal fallback miss", literalBucket, "send(mail", "", "", false},
		{"neither operation nor path", opBucket, "", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.b.Matches(tc.operation, tc.path, tc.method); got != tc.want {
				t.Errorf("Matches(%q, %q, %q) = %v, want %v", tc.operation, tc.path, tc.method, got, tc.want)
			}
		})
	}
}
