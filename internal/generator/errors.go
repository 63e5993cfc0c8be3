package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
)

// Kind classifies why the generation backend could not produce text.
type Kind string

const (
	KindUnavailable Kind = "unavailable"  // unreachable, 5xx, timed out
	KindRateLimited Kind = "rate_limited" // 429
	KindMalformed   Kind = "malformed"    // undecodable or empty response, rejected request
	KindNotReady    Kind = "not_ready"    // missing or rejected credentials, closed client
)

// BackendError is a failure of the generation capability itself, as
// opposed to generated code that does not run.
type BackendError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generator %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generator %s: %s", e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// AsBackendError extracts a *BackendError from err's chain.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

func newBackendError(kind Kind, msg string, err error) *BackendError {
	return &BackendError{Kind: kind, Message: msg, Err: err}
}

// mapError converts a client error into a BackendError. Caller
// cancellation is passed through untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.StatusCode, apiErr.Message, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newBackendError(KindUnavailable, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newBackendError(KindUnavailable, fmt.Sprintf("connection error: %s", err.Error()), err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || strings.Contains(err.Error(), "parsing response json") {
		return newBackendError(KindMalformed, "undecodable response", err)
	}

	return newBackendError(KindUnavailable, err.Error(), err)
}

func mapStatus(status int, message string, err error) *BackendError {
	var kind Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
		if message == "" {
			message = "backend rate limit exceeded"
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindNotReady
		if message == "" {
			message = "backend authentication failed"
		}
	case status >= http.StatusInternalServerError:
		kind = KindUnavailable
		if message == "" {
			message = fmt.Sprintf("backend server error (HTTP %d)", status)
		}
	default:
		kind = KindMalformed
		if message == "" {
			message = fmt.Sprintf("backend rejected request (HTTP %d)", status)
		}
	}
	return &BackendError{Kind: kind, StatusCode: status, Message: message, Err: err}
}
