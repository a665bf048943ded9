package ratebeam_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ratebeam/ratebeam-go/pkg/ratebeam"
	"github.com/ratebeam/ratebeam-go/pkg/ratebeam/ratebeamtest"
)

func protectedHandler(t *testing.T, client *ratebeam.Client, opts ratebeam.MiddlewareOptions) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return ratebeam.Chain(mux, ratebeam.RateLimit(client, opts))
}

func TestRateLimitMiddleware_AllowsAndSetsHeaders(t *testing.T) {
	t.Parallel()

	srv := ratebeamtest.NewServer()
	srv.AddRule(ratebeam.Rule{
		ID: "rule_export", Name: "export", RefillRate: 1000, BurstRate: 1000,
		Matcher: "/api/export", Method: "POST",
	})
	client := newTestClient(t, srv)
	h := protectedHandler(t, client, ratebeam.MiddlewareOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/export", nil)
	req.Header.Set("X-API-Key", "user_a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitMiddleware_RejectsWhenExhausted(t *testing.T) {
	t.Parallel()

	srv := ratebeamtest.NewServer()
	srv.AddRule(ratebeam.Rule{
		ID: "rule_export", Name: "export", RefillRate: 0, BurstRate: 2,
		Matcher: "/api/export", Method: "POST",
	})
	client := newTestClient(t, srv)

	limited := 0
	h := protectedHandler(t, client, ratebeam.MiddlewareOptions{
		OnLimited: func(string) { limited++ },
	})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/export", nil)
		req.Header.Set("X-API-Key", "user_a")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	// engine grants 2 tokens total, bucket serves both, third call is denied
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
	require.Equal(t, 1, limited)
}

func TestRateLimitMiddleware_SkipPaths(t *testing.T) {
	t.Parallel()

	srv := ratebeamtest.NewServer()
	client := newTestClient(t, srv)
	h := protectedHandler(t, client, ratebeam.MiddlewareOptions{
		SkipPaths: map[string]struct{}{"/health": {}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, srv.Fetches())
}

func TestRateLimitMiddleware_ErrorHandling(t *testing.T) {
	t.Parallel()

	srv := ratebeamtest.NewServer()
	srv.SetError(&ratebeam.Error{Kind: ratebeam.KindNetwork, Message: "down"})
	client := newTestClient(t, srv)

	var errored int
	closed := protectedHandler(t, client, ratebeam.MiddlewareOptions{
		OnError: func(string) { errored++ },
	})
	rec := httptest.NewRecorder()
	closed.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/thing", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, errored)

	open := protectedHandler(t, client, ratebeam.MiddlewareOptions{FailOpen: true})
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/thing", nil))
	require.Equal(t, http.StatusOK, rec.Code, "fail-open passes the request through")
}

func TestRateLimitMiddleware_OwnerExtraction(t *testing.T) {
	t.Parallel()

	srv := ratebeamtest.NewServer()
	srv.AddRule(ratebeam.Rule{
		ID: "rule_any", Name: "any", RefillRate: 1000, BurstRate: 1000,
		Matcher: "/api/.*",
	})
	client := newTestClient(t, srv)
	h := protectedHandler(t, client, ratebeam.MiddlewareOptions{
		Owner: func(r *http.Request) string { return r.Header.Get("X-Tenant") },
	})

	req := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	req.Header.Set("X-Tenant", "tenant_9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	buckets := client.CacheStatus()
	require.Len(t, buckets, 1)
	require.Equal(t, "tenant_9", buckets[0].Owner)
}
