package blockwise

import "errors"

// Errors returned by the blockwise package.
var (
	// ErrProtocolViolation is returned when a block arrives out of order,
	// changes size mid-transfer, or does not belong to a known transfer.
	ErrProtocolViolation = errors.New("blockwise: protocol violation")

	// ErrIdleTimeout is passed to the abort callback of an assembly that
	// received no block for the idle timeout.
	ErrIdleTimeout = errors.New("blockwise: transfer idle")

	// ErrOutOfRange is returned when a requested block starts beyond the end
	// of the payload.
	ErrOutOfRange = errors.New("blockwise: block out of range")

	// ErrTooLarge is returned when an assembly would exceed its size limit.
	ErrTooLarge = errors.New("blockwise: payload too large")

	// ErrAborted is passed to the abort callback when an assembly is dropped
	// because its peer went away or the coordinator was cleared.
	ErrAborted = errors.New("blockwise: transfer aborted")
)
