package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")

	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAuthenticationFailed is the umbrella kind for every refused credential.
	// Callers map it to HTTP 401.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDirectoryUnavailable means the subject could not be checked (store outage).
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)

// Reasons carried by AuthError. Stable strings, used as metric labels.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonUnknownUser  = "unknown_user"
	ReasonDirectory    = "directory_error"
)

// AuthError explains why a credential was refused.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrAuthenticationFailed, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrAuthenticationFailed, e.Reason, e.Err)
}

// Unwrap exposes the umbrella kind (or ErrDirectoryUnavailable) and the cause.
func (e *AuthError) Unwrap() []error {
	kind := ErrAuthenticationFailed
	if e.Reason == ReasonDirectory {
		kind = ErrDirectoryUnavailable
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// Reason returns the AuthError reason for err, or "" when err is not one.
func Reason(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
