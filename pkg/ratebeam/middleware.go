package ratebeam

import (
	"net/http"
	"strconv"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h with the middlewares; the first listed runs outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// MiddlewareOptions controls the RateLimit middleware.
type MiddlewareOptions struct {
	// Owner extracts the owner identifier from the request. Defaults to the
	// X-API-Key header, falling back to "anon".
	Owner func(*http.Request) string

	// SkipPaths are passed through without consuming a token.
	SkipPaths map[string]struct{}

	// FailOpen passes requests through when the limiter errors instead of
	// returning 500.
	FailOpen bool

	OnLimited func(path string)
	OnError   func(path string)
}

// RateLimit consumes one token per request, keyed by the request path and
// method, and rejects with 429 when none is granted.
func RateLimit(client *Client, opts MiddlewareOptions) Middleware {
	owner := opts.Owner
	if owner == nil {
		owner = func(r *http.Request) string {
			if key := r.Header.Get("X-API-Key"); key != "" {
				return key
			}
			return "anon"
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := client.Consume(r.Context(), ConsumeRequest{
				Owner:  owner(r),
				Path:   r.URL.Path,
				Method: r.Method,
			})
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(r.URL.Path)
				}
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			// headers for good DX
			if res.Bucket != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Bucket.Capacity))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Bucket.Available))
			}

			if !res.Granted {
				if opts.OnLimited != nil {
					opts.OnLimited(r.URL.Path)
				}
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// local tiny JSON helper to avoid pulling a codec into the hot path
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
