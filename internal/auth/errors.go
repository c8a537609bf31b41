package auth

import "errors"

var (
	// ErrMissingCredential means the request carried neither an API key
	// header nor a bearer session token.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidSession means the bearer token failed validation.
	ErrInvalidSession = errors.New("invalid session token")
)
