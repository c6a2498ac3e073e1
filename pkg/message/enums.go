// Package message defines the CoAP message value exchanged between the
// transports and the exchange engine.
//
// The byte layout of a datagram belongs to an upstream codec; this package
// only carries the fields the exchange layer needs (type, code, message ID,
// token, the options relevant to blockwise transfer and observation, and
// the payload) plus a compact CBOR envelope used by the bundled transports.
//
// Spec References:
//   - RFC 7252 Section 3: Message Format
//   - RFC 7959 Section 2: Block-Wise Transfers
//   - RFC 7641 Section 2: The Observe Option
package message

import "fmt"

// Type is the CoAP message type (RFC 7252 Section 3).
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted
	// until one arrives.
	Confirmable Type = 0

	// NonConfirmable messages are fire-and-forget.
	NonConfirmable Type = 1

	// Acknowledgement acknowledges a Confirmable message, optionally
	// carrying a piggybacked response.
	Acknowledgement Type = 2

	// Reset indicates a message was received but could not be processed.
	Reset Type = 3
)

// String returns the RFC abbreviation of the message type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the CoAP code, split into a 3-bit class and a 5-bit detail.
type Code uint8

// Request method codes (RFC 7252 Section 12.1.1, RFC 8132).
const (
	Empty  Code = 0x00
	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04
	FETCH  Code = 0x05
	PATCH  Code = 0x06
	IPATCH Code = 0x07
)

// Response codes (RFC 7252 Section 12.1.2, RFC 7959 Section 2.9).
const (
	Created  Code = 0x41 // 2.01
	Deleted  Code = 0x42 // 2.02
	Valid    Code = 0x43 // 2.03
	Changed  Code = 0x44 // 2.04
	Content  Code = 0x45 // 2.05
	Continue Code = 0x5f // 2.31

	BadRequest               Code = 0x80 // 4.00
	Unauthorized             Code = 0x81 // 4.01
	BadOption                Code = 0x82 // 4.02
	Forbidden                Code = 0x83 // 4.03
	NotFound                 Code = 0x84 // 4.04
	MethodNotAllowed         Code = 0x85 // 4.05
	NotAcceptable            Code = 0x86 // 4.06
	RequestEntityIncomplete  Code = 0x88 // 4.08
	PreconditionFailed       Code = 0x8c // 4.12
	RequestEntityTooLarge    Code = 0x8d // 4.13
	UnsupportedContentFormat Code = 0x8f // 4.15

	InternalServerError  Code = 0xa0 // 5.00
	NotImplemented       Code = 0xa1 // 5.01
	BadGateway           Code = 0xa2 // 5.02
	ServiceUnavailable   Code = 0xa3 // 5.03
	GatewayTimeout       Code = 0xa4 // 5.04
	ProxyingNotSupported Code = 0xa5 // 5.05
)

// Class returns the code class (0 request, 2 success, 4 client error, 5
// server error).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsEmpty returns true for the 0.00 code used by empty ACK/RST/ping messages.
func (c Code) IsEmpty() bool {
	return c == Empty
}

// IsRequest returns true for method codes 0.01-0.31.
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for codes in classes 2 through 5.
func (c Code) IsResponse() bool {
	class := c.Class()
	return class >= 2 && class <= 5
}

// IsSuccessful returns true for 2.xx codes.
func (c Code) IsSuccessful() bool {
	return c.Class() == 2
}

var codeNames = map[Code]string{
	Empty:                    "EMPTY",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	FETCH:                    "FETCH",
	PATCH:                    "PATCH",
	IPATCH:                   "iPATCH",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	Continue:                 "Continue",
	BadRequest:               "Bad Request",
	Unauthorized:             "Unauthorized",
	BadOption:                "Bad Option",
	Forbidden:                "Forbidden",
	NotFound:                 "Not Found",
	MethodNotAllowed:         "Method Not Allowed",
	NotAcceptable:            "Not Acceptable",
	RequestEntityIncomplete:  "Request Entity Incomplete",
	PreconditionFailed:       "Precondition Failed",
	RequestEntityTooLarge:    "Request Entity Too Large",
	UnsupportedContentFormat: "Unsupported Content-Format",
	InternalServerError:      "Internal Server Error",
	NotImplemented:           "Not Implemented",
	BadGateway:               "Bad Gateway",
	ServiceUnavailable:       "Service Unavailable",
	GatewayTimeout:           "Gateway Timeout",
	ProxyingNotSupported:     "Proxying Not Supported",
}

// String renders the code in dotted notation, e.g. "2.05 Content".
func (c Code) String() string {
	dotted := fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
	if name, ok := codeNames[c]; ok {
		return dotted + " " + name
	}
	return dotted
}
