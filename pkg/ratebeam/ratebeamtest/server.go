// Package ratebeamtest provides a fake of the RateBeam token service for
// tests and local development. The fake can be used in-process as a
// ratebeam.TokenSource, or started as an HTTP server speaking the real
// wire protocol.
package ratebeamtest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/ratebeam/ratebeam-go/pkg/ratebeam"
)

const maxBodyBytes = 1 << 20

// Server resolves token requests against a configurable rule set. Each
// (owner, rule) pair gets its own grant engine: a token bucket refilling at
// the rule's RefillRate per second up to BurstRate, granting
// min(requested, available) per fetch.
type Server struct {
	mu          sync.Mutex
	rules       []ratebeam.Rule
	defaultRule *ratebeam.Rule
	engines     map[string]*rate.Limiter
	total       int
	byRule      map[string]int
	forced      error
}

func NewServer() *Server {
	return &Server{
		engines: map[string]*rate.Limiter{},
		byRule:  map[string]int{},
	}
}

// AddRule registers a rule. Rules match in registration order; a rule with
// IsDefault set becomes the catch-all used when nothing else matches.
func (s *Server) AddRule(r ratebeam.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IsDefault {
		s.defaultRule = &r
		return
	}
	s.rules = append(s.rules, r)
}

// Rules returns copies of the registered specific rules.
func (s *Server) Rules() []ratebeam.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ratebeam.Rule, 0, len(s.rules))
	for i := range s.rules {
		var cp ratebeam.Rule
		if err := copier.Copy(&cp, &s.rules[i]); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out
}

// SetError forces all subsequent fetches to fail with err until cleared
// with SetError(nil).
func (s *Server) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = err
}

// Fetches reports how many token fetches the server has served or failed.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// FetchesForRule reports fetches resolved to the named rule.
func (s *Server) FetchesForRule(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRule[name]
}

// Reset clears grant engines and fetch counters, keeping the rules.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines = map[string]*rate.Limiter{}
	s.byRule = map[string]int{}
	s.total = 0
}

// FetchTokens implements ratebeam.TokenSource in-process.
func (s *Server) FetchTokens(_ context.Context, req ratebeam.TokenRequest) (*ratebeam.TokenGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++

	if s.forced != nil {
		return nil, s.forced
	}

	rule := s.resolveLocked(req)
	if rule == nil {
		return nil, &ratebeam.Error{
			Kind:    ratebeam.KindRuleNotFound,
			Message: "no rule matches the request",
			Status:  http.StatusNotFound,
		}
	}
	s.byRule[rule.Name]++

	eng := s.engineLocked(req.Owner, *rule)
	granted := 0
	for granted < req.Count && eng.Allow() {
		granted++
	}
	return &ratebeam.TokenGrant{Granted: granted, Rule: *rule}, nil
}

func (s *Server) resolveLocked(req ratebeam.TokenRequest) *ratebeam.Rule {
	for i := range s.rules {
		r := &s.rules[i]
		if req.Operation != "" {
			if r.Method == "" && matchPattern(r.Matcher, req.Operation) {
				return r
			}
			continue
		}
		// path rules without a method match any verb
		if (r.Method == "" || r.Method == req.Method) && matchPattern(r.Matcher, req.Path) {
			return r
		}
	}
	return s.defaultRule
}

func (s *Server) engineLocked(owner string, rule ratebeam.Rule) *rate.Limiter {
	key := owner + "/" + rule.ID
	if eng, ok := s.engines[key]; ok {
		return eng
	}
	eng := rate.NewLimiter(rate.Limit(rule.RefillRate), rule.BurstRate)
	s.engines[key] = eng
	return eng
}

// pattern if it compiles, literal equality otherwise
func matchPattern(matcher, target string) bool {
	if re, err := regexp.Compile(matcher); err == nil {
		return re.MatchString(target)
	}
	return matcher == target
}

// Handler serves the RateBeam wire protocol: POST /v1/consume, JSON bodies,
// X-API-Key auth, access logs via hlog.
func (s *Server) Handler(apiKey string, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/consume", s.handleConsume)

	return ratebeam.Chain(
		mux,
		accessLog(logger),
		bodyLimit(maxBodyBytes),
		requireAPIKey(apiKey),
	)
}

// StartHTTP starts an httptest server; the caller must Close it.
func (s *Server) StartHTTP(apiKey string) *httptest.Server {
	return httptest.NewServer(s.Handler(apiKey, zerolog.Nop()))
}

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

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "cannot read request body")
		return
	}
	var wireReq wireConsumeRequest
	if err := sonic.Unmarshal(body, &wireReq); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "cannot decode request body")
		return
	}

	grant, err := s.FetchTokens(r.Context(), ratebeam.TokenRequest{
		Owner:     wireReq.Owner,
		Operation: wireReq.Operation,
		Path:      wireReq.Path,
		Method:    wireReq.Method,
		Count:     wireReq.Count,
	})
	if err != nil {
		var apiErr *ratebeam.Error
		if errors.As(err, &apiErr) {
			writeError(w, apiErr.Kind.HTTPStatus(), apiErr.Kind.String(), apiErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	resp, err := sonic.Marshal(wireConsumeResponse{
		Granted: grant.Granted,
		Rule: wireRule{
			ID:         grant.Rule.ID,
			Name:       grant.Rule.Name,
			RefillRate: grant.Rule.RefillRate,
			BurstRate:  grant.Rule.BurstRate,
			IsDefault:  grant.Rule.IsDefault,
			Matcher:    grant.Rule.Matcher,
			Method:     grant.Rule.Method,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "cannot encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func requireAPIKey(apiKey string) ratebeam.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-API-Key")
			if got == "" {
				writeError(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in X-API-Key")
				return
			}
			if apiKey != "" && got != apiKey {
				writeError(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bodyLimit(maxBytes int64) ratebeam.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(logger zerolog.Logger) ratebeam.Middleware {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
			),
		)
	}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
