package ratebeam

import "context"

// TokenRequest asks the remote service for a batch of tokens. Exactly one
// of Operation or Path identifies the action; Method accompanies Path.
type TokenRequest struct {
	Owner     string
	Operation string
	Path      string
	Method    string
	Count     int
}

// Rule is the server-side policy a request resolved to.
type Rule struct {
	ID         string
	Name       string
	RefillRate int // tokens per second
	BurstRate  int
	IsDefault  bool // catch-all rule, not specific enough to cache against
	Matcher    string
	Method     string // set only for path-based matchers
}

// TokenGrant is a successful token fetch. Granted may be less than
// requested, including zero.
type TokenGrant struct {
	Granted int
	Rule    Rule
}

// TokenSource fetches token batches from the RateBeam service. The default
// implementation speaks the REST API; tests substitute fakes via
// WithTokenSource.
type TokenSource interface {
	FetchTokens(ctx context.Context, req TokenRequest) (*TokenGrant, error)
}

// Validate checks the request shape. It enforces the operation/path
// exclusivity and method rules before any network or cache effect.
func (r TokenRequest) Validate() error {
	if r.Owner == "" {
		return validationError("owner identifier is required")
	}
	if r.Operation == "" && r.Path == "" {
		return validationError("either operation or path must be set")
	}
	if r.Operation != "" && r.Path != "" {
		return validationError("operation and path are mutually exclusive")
	}
	if r.Path != "" && r.Method == "" {
		return validationError("method is required with path")
	}
	if r.Operation != "" && r.Method != "" {
		return validationError("method is only valid with path")
	}
	if r.Count <= 0 {
		return validationError("token count must be positive")
	}
	return nil
}
