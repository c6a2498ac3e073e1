package credentials

import "errors"

// Lookup and validation errors.
var (
	// ErrNotFound is returned when no entry matches a URI.
	ErrNotFound = errors.New("credentials: no credentials for uri")

	// ErrEmptySecret is returned when a pre-shared key has no secret.
	ErrEmptySecret = errors.New("credentials: empty secret")

	// ErrUnknownIdentity is returned when no entry has a PSK identity.
	ErrUnknownIdentity = errors.New("credentials: unknown identity")
)
