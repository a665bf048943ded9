package ratebeam

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const consumePath = "/v1/consume"

type wireConsumeRequest struct {
	Owner     string `json:"owner"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`
	Method    string `json:"method,omitempty"`
	Count     int    `json:"count"`
}

type wireRule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RefillRate int    `json:"refill_rate"`
	BurstRate  int    `json:"burst_rate"`
	IsDefault  bool   `json:"is_default"`
	Matcher    string `json:"matcher"`
	Method     string `json:"method,omitempty"`
}

type wireConsumeResponse struct {
	Granted int      `json:"granted"`
	Rule    wireRule `json:"rule"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiSource is the REST TokenSource. 5xx and transport failures are retried
// with exponential backoff; 4xx responses are permanent.
type apiSource struct {
	endpoint   string
	apiKey     string
	hc         *http.Client
	timeout    time.Duration
	maxRetries int
	log        zerolog.Logger
}

func newAPISource(endpoint, apiKey string, hc *http.Client, timeout time.Duration, maxRetries int, log zerolog.Logger) *apiSource {
	if hc == nil {
		hc = &http.Client{Transport: newHTTPTransport()}
	}
	return &apiSource{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		hc:         hc,
		timeout:    timeout,
		maxRetries: maxRetries,
		log:        log,
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (s *apiSource) FetchTokens(ctx context.Context, req TokenRequest) (*TokenGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := sonic.Marshal(wireConsumeRequest{
		Owner:     req.Owner,
		Operation: req.Operation,
		Path:      req.Path,
		Method:    req.Method,
		Count:     req.Count,
	})
	if err != nil {
		return nil, &Error{Kind: KindAPI, Message: "encode request", Err: err}
	}

	var grant *TokenGrant
	attempt := func() error {
		g, err := s.doFetch(ctx, body)
		if err != nil {
			return err
		}
		grant = g
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(attempt, bo); err != nil {
		return nil, err
	}
	return grant, nil
}

func (s *apiSource) doFetch(ctx context.Context, body []byte) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reqID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+consumePath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&Error{Kind: KindAPI, Message: "build request", RequestID: reqID, Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", s.apiKey)
	httpReq.Header.Set("X-Request-ID", reqID)

	resp, err := s.hc.Do(httpReq)
	if err != nil {
		return nil, transportError(err, reqID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transportError(err, reqID)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := statusError(resp.StatusCode, data, reqID)
		if resp.StatusCode >= 500 {
			s.log.Debug().Int("status", resp.StatusCode).Str("req_id", reqID).
				Msg("server error, will retry")
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}

	var wire wireConsumeResponse
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return nil, backoff.Permanent(&Error{
			Kind: KindAPI, Message: "decode response", Status: resp.StatusCode, RequestID: reqID, Err: err,
		})
	}
	return &TokenGrant{
		Granted: wire.Granted,
		Rule: Rule{
			ID:         wire.Rule.ID,
			Name:       wire.Rule.Name,
			RefillRate: wire.Rule.RefillRate,
			BurstRate:  wire.Rule.BurstRate,
			IsDefault:  wire.Rule.IsDefault,
			Matcher:    wire.Rule.Matcher,
			Method:     wire.Rule.Method,
		},
	}, nil
}

func statusError(status int, body []byte, reqID string) *Error {
	msg := "request failed"
	var wire wireError
	if err := sonic.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		msg = wire.Error.Message
	}

	kind := KindAPI
	switch status {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindRuleNotFound
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	}
	return &Error{Kind: kind, Message: msg, Status: status, RequestID: reqID}
}

func transportError(err error, reqID string) *Error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: "api call failed", RequestID: reqID, Err: err}
}
