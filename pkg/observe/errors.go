package observe

import "errors"

// Errors returned by the observe package.
var (
	// ErrNotAccepted is returned when a resource did not accept the
	// observation during registration.
	ErrNotAccepted = errors.New("observe: observation not accepted")

	// ErrNotObservable is returned when a resource cannot be observed.
	ErrNotObservable = errors.New("observe: resource not observable")

	// ErrCancelled is returned for operations on a cancelled subscription.
	ErrCancelled = errors.New("observe: subscription cancelled")
)
