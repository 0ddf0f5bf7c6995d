package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the identity provider rejects the
	// password grant. It is never retried.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthenticationFailed matches every other handshake failure.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// AuthError carries the handshake stage that failed.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s: %v", e.Stage, ErrAuthenticationFailed, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthenticationFailed, e.Err} }

func failure(stage string, err error) error {
	return &AuthError{Stage: stage, Err: err}
}
