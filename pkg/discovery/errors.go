package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when starting an already-started service.
	ErrAlreadyStarted = errors.New("discovery: already started")

	// ErrNotStarted is returned when stopping a service that was not started.
	ErrNotStarted = errors.New("discovery: not started")

	// ErrInvalidServiceType is returned for invalid or unknown service types.
	ErrInvalidServiceType = errors.New("discovery: invalid service type")

	// ErrInvalidPort is returned when the port number is out of range.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrServiceNotFound is returned when a requested service is not found.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")

	// ErrInvalidInstanceName is returned when the instance name is empty or
	// too long for a DNS label.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid format.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")
)
