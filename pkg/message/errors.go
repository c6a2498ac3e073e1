package message

import "errors"

// Errors returned by the message package.
var (
	// ErrInvalidBlockSize is returned for block sizes that are not a power of
	// two between 16 and 1024 bytes.
	ErrInvalidBlockSize = errors.New("message: invalid block size")

	// ErrInvalidBlockOption is returned when a Block1/Block2 value cannot be
	// decoded (SZX 7 is reserved).
	ErrInvalidBlockOption = errors.New("message: invalid block option")

	// ErrTokenTooLong is returned for tokens longer than 8 bytes.
	ErrTokenTooLong = errors.New("message: token longer than 8 bytes")

	// ErrInvalidType is returned for undefined message types.
	ErrInvalidType = errors.New("message: invalid message type")

	// ErrMalformed is returned when an encoded datagram cannot be decoded.
	ErrMalformed = errors.New("message: malformed datagram")

	// ErrMessageTooLarge is returned when an encoded message exceeds the
	// datagram limit.
	ErrMessageTooLarge = errors.New("message: message too large")
)
