package ratebeam

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies client errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindValidation
	KindUnauthorized
	KindForbidden
	KindRuleNotFound
	KindRateLimited
	KindAPI
	KindNetwork
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRuleNotFound:
		return "rule_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindAPI:
		return "api_error"
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// HTTPStatus is the status code the RateBeam API uses for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRuleNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error returned by the client.
type Error struct {
	Kind      Kind
	Message   string
	Status    int    // HTTP status of the failed API call, when applicable
	RequestID string // X-Request-ID of the failed API call, when applicable
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("ratebeam: %s: %s", e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the Kind from err, or KindUnknown when err is not a
// client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func configError(msg string) *Error {
	return &Error{Kind: KindConfig, Message: msg}
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}
