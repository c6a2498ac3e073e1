package exchange

import (
	"errors"
	"fmt"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/bassosimone/errclass"
)

// Errors returned by the exchange package.
var (
	// ErrTimeout is returned when a Confirmable message was retransmitted
	// MAX_RETRANSMIT times without acknowledgement.
	ErrTimeout = errors.New("exchange: retransmissions exhausted")

	// ErrRejected is returned when the peer answered with RST.
	ErrRejected = errors.New("exchange: rejected by peer")

	// ErrUnreachable is returned when a transport reported the peer
	// unreachable. It is wrapped by UnreachableError.
	ErrUnreachable = errors.New("exchange: remote unreachable")

	// ErrCancelled is returned for operations on a cancelled exchange. It is
	// never delivered to the outcome callback of the cancelled exchange.
	ErrCancelled = errors.New("exchange: cancelled")

	// ErrNoRemote is returned when sending a message whose remote is not
	// resolved.
	ErrNoRemote = errors.New("exchange: message has no remote")

	// ErrExchangeExists is returned when a message ID is already in flight
	// to the same remote.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrInvalidMessage is returned for messages the exchange layer cannot
	// send, such as a piggybacked response without a request.
	ErrInvalidMessage = errors.New("exchange: invalid message")
)

// UnreachableError reports a transport-level failure to reach a remote.
// It matches ErrUnreachable with errors.Is.
type UnreachableError struct {
	// Remote is the affected peer.
	Remote endpoint.Address

	// Class is the errclass label of Err (e.g. "ECONNREFUSED").
	Class string

	// Err is the error reported by the transport.
	Err error
}

// NewUnreachableError wraps a transport error for remote.
func NewUnreachableError(remote endpoint.Address, err error) *UnreachableError {
	class := ""
	if err != nil {
		class = errclass.New(err)
	}
	return &UnreachableError{Remote: remote, Class: class, Err: err}
}

func (e *UnreachableError) Error() string {
	host := "<unknown>"
	if e.Remote != nil {
		host = e.Remote.HostInfo()
	}
	if e.Class != "" {
		return fmt.Sprintf("exchange: remote %s unreachable (%s): %v", host, e.Class, e.Err)
	}
	return fmt.Sprintf("exchange: remote %s unreachable: %v", host, e.Err)
}

// Is matches ErrUnreachable.
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}

// Unwrap returns the transport error.
func (e *UnreachableError) Unwrap() error {
	return e.Err
}
