package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired indicates the session cookies were rejected. The
	// session is marked expired and the caller must prompt a re-login;
	// the request is never silently retried with stale credentials.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrSignatureRejected indicates the server refused the WBI signature.
	// The client refreshes key material and retries exactly once; a second
	// rejection surfaces this error as fatal.
	ErrSignatureRejected = errors.New("request signature rejected")
	// ErrRateLimited indicates the server applied request throttling.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient indicates a retryable network-level failure.
	ErrTransient = errors.New("transient network error")
	// ErrNotAuthenticated indicates an endpoint that requires login was
	// called with an anonymous session.
	ErrNotAuthenticated = errors.New("login required")
)

// APIError is a non-retryable platform error: a well-formed response whose
// envelope code signals failure.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error code=%d message=%s", e.Code, e.Message)
}

// HTTPStatusError is a non-2xx response without a decodable envelope.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.StatusCode)
}

// Envelope codes with dedicated handling. The rest surface as *APIError.
const (
	codeNotLoggedIn = -101
	codeForbidden   = -403
	codeRiskControl = -352
	codeThrottled   = -412
)

// classifyEnvelope maps a non-zero envelope code onto the error taxonomy.
// signed reports whether the request carried a WBI signature, which is what
// makes a -403/-352 a signature rejection rather than a plain API error.
func classifyEnvelope(code int, message string, signed bool) error {
	switch code {
	case codeNotLoggedIn:
		return fmt.Errorf("%w: code=%d", ErrAuthExpired, code)
	case codeThrottled:
		return fmt.Errorf("%w: code=%d message=%s", ErrRateLimited, code, message)
	case codeForbidden, codeRiskControl:
		if signed {
			return fmt.Errorf("%w: code=%d message=%s", ErrSignatureRejected, code, message)
		}
		return &APIError{Code: code, Message: message}
	default:
		return &APIError{Code: code, Message: message}
	}
}

// retryable reports whether the error may be retried with backoff.
func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
