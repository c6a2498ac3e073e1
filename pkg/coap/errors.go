package coap

import (
	"errors"
	"fmt"

	"github.com/backkem/coap/pkg/message"
)

// Package-level errors.
var (
	// ErrNotOpen is returned when an operation requires an open context.
	ErrNotOpen = errors.New("coap: context not open")

	// ErrAlreadyOpen is returned when Open() is called twice.
	ErrAlreadyOpen = errors.New("coap: context already open")

	// ErrShutdown fails requests still pending when the context shuts down.
	ErrShutdown = errors.New("coap: context shut down")

	// ErrInvalidConfig is returned when Config validation fails.
	ErrInvalidConfig = errors.New("coap: invalid configuration")

	// ErrTokenInUse is returned when a request reuses the token of a
	// pending request.
	ErrTokenInUse = errors.New("coap: token in use")

	// ErrObservationEnded is reported by an observation the server ended
	// without an error response, e.g. a final notification without Observe.
	ErrObservationEnded = errors.New("coap: observation ended")
)

// NoResponse is returned by Resource.Render to send no response at all.
// A Confirmable request is still acknowledged with an empty ACK.
var NoResponse = errors.New("coap: no response")

// Error is a render error that maps to a response code.
type Error struct {
	Code    message.Code
	Message string
}

// NewError creates an Error. code should be a 4.xx or 5.xx code.
func NewError(code message.Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coap: %s", e.Code)
	}
	return fmt.Sprintf("coap: %s: %s", e.Code, e.Message)
}

// ResponseError reports a final response with an error code to the
// requester.
type ResponseError struct {
	Response *message.Message
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("coap: error response %s", e.Response.Code)
}
