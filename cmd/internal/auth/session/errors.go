package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token is past its idle or absolute expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenNotFound is returned when a refresh token does not match any
	// ledger row. Rotated, revoked, and never-issued tokens are deliberately
	// indistinguishable to the caller.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenReuseDetected signals that a rotated refresh token was presented
	// again. It is internal only: callers of Refresh observe ErrTokenNotFound
	// while the whole token family is revoked behind the scenes.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
