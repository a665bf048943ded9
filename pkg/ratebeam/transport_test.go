package ratebeam

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testRequest() TokenRequest {
	return TokenRequest{Owner: "user_a", Operation: "send_email", Count: 10}
}

func grantResponse(t *testing.T, w http.ResponseWriter, granted int) {
	t.Helper()
	body, err := sonic.Marshal(wireConsumeResponse{
		Granted: granted,
		Rule: wireRule{
			ID: "rule_email", Name: "email", RefillRate: 5, BurstRate: 50,
			Matcher: "send_email",
		},
	})
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func TestAPISource_FetchTokens(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, consumePath, r.URL.Path)
		require.Equal(t, "rb_test_key", r.Header.Get("X-API-Key"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req wireConsumeRequest
		require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "user_a", req.Owner)
		require.Equal(t, "send_email", req.Operation)
		require.Equal(t, 10, req.Count)

		grantResponse(t, w, 10)
	}))
	defer ts.Close()

	src := newAPISource(ts.URL, "rb_test_key", nil, time.Second, 0, zerolog.Nop())
	grant, err := src.FetchTokens(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 10, grant.Granted)
	require.Equal(t, "rule_email", grant.Rule.ID)
	require.Equal(t, "send_email", grant.Rule.Matcher)
	require.False(t, grant.Rule.IsDefault)
}

func TestAPISource_ValidatesBeforeCalling(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	src := newAPISource(ts.URL, "rb_test_key", nil, time.Second, 0, zerolog.Nop())
	_, err := src.FetchTokens(context.Background(), TokenRequest{Owner: "user_a", Count: 1})
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, int32(0), calls.Load())
}

func TestAPISource_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusNotFound, KindRuleNotFound},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindAPI},
		{http.StatusInternalServerError, KindAPI},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"code":"e","message":"the server said no"}}`))
			}))
			defer ts.Close()

			src := newAPISource(ts.URL, "rb_test_key", nil, time.Second, 0, zerolog.Nop())
			_, err := src.FetchTokens(context.Background(), testRequest())
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tc.status, apiErr.Status)
			require.Equal(t, "the server said no", apiErr.Message)
			require.NotEmpty(t, apiErr.RequestID)
		})
	}
}

func TestAPISource_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		grantResponse(t, w, 10)
	}))
	defer ts.Close()

	src := newAPISource(ts.URL, "rb_test_key", nil, time.Second, 3, zerolog.Nop())
	grant, err := src.FetchTokens(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 10, grant.Granted)
	require.Equal(t, int32(3), calls.Load())
}

func TestAPISource_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	src := newAPISource(ts.URL, "rb_test_key", nil, time.Second, 3, zerolog.Nop())
	_, err := src.FetchTokens(context.Background(), testRequest())
	require.Equal(t, KindUnauthorized, KindOf(err))
	require.Equal(t, int32(1), calls.Load(), "4xx must be permanent")
}

func TestAPISource_Timeout(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
			grantResponse(t, w, 10)
		}
	}))
	defer ts.Close()

	src := newAPISource(ts.URL, "rb_test_key", nil, 30*time.Millisecond, 0, zerolog.Nop())
	_, err := src.FetchTokens(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, KindTimeout, KindOf(err))
}
