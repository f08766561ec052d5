package daraja

import (
	"errors"
	"fmt"
)

// ErrMalformedCallback marks a callback body that could not be parsed into
// the stkCallback envelope. Callers log and acknowledge; the record is never
// touched.
var ErrMalformedCallback = errors.New("daraja: malformed callback payload")

// AuthError means the OAuth token exchange failed after the retry budget was
// exhausted. No gateway call may proceed without a token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("daraja: token exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RejectionError is a definitive 4xx rejection from the gateway. It is never
// retried.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("daraja: gateway rejected request (status %d): %s", e.StatusCode, e.Body)
}

// TransientError is a 5xx, connection error, or timeout that persisted
// through all retry attempts.
type TransientError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("daraja: request failed after retries: %v", e.Err)
	}
	return fmt.Sprintf("daraja: gateway error after retries (status %d): %s", e.StatusCode, e.Body)
}

func (e *TransientError) Unwrap() error { return e.Err }
