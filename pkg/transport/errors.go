package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when a message's remote does not belong
	// to the transport.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoManager is returned when no message manager is configured.
	ErrNoManager = errors.New("transport: no message manager configured")

	// ErrAlreadyStarted is returned when Start is called on an already running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrUnsupported is returned when no transport can carry a message's
	// scheme or remote.
	ErrUnsupported = errors.New("transport: unsupported scheme or remote")

	// ErrNoHost is returned when an outbound request names no host.
	ErrNoHost = errors.New("transport: request has no host")

	// ErrHostNotFound is returned when a host name resolves to no address.
	ErrHostNotFound = errors.New("transport: host not found")

	// ErrNoCredentials is returned when a secure transport has no key for
	// a peer.
	ErrNoCredentials = errors.New("transport: no credentials")

	// ErrBadRecord is returned for a secure record that is malformed or
	// fails authentication.
	ErrBadRecord = errors.New("transport: bad record")

	// ErrStaleEpoch is returned for a secure record from an epoch the peer
	// already left.
	ErrStaleEpoch = errors.New("transport: stale epoch")
)
