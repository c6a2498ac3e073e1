// Package observe implements resource observation (RFC 7641).
//
// On the server side a Manager keeps one Subscription per observing
// requester and token. Resources learn about new observers through a
// Handle, call Trigger when their state changes, and the Manager turns each
// trigger into exactly one notification, handed to the send path one at a
// time in sequence-number order.
//
// On the client side Freshness decides whether a notification is newer than
// the last one seen.
//
// Spec References:
//   - RFC 7641 Section 3.4: Notification Reordering
//   - RFC 7641 Section 4: Server-Side Requirements
package observe

// CancelReason records why a subscription ended.
type CancelReason int

const (
	// ReasonUnknown is the zero value.
	ReasonUnknown CancelReason = iota

	// ReasonResourceEnded means the resource stopped the observation.
	ReasonResourceEnded

	// ReasonClientReset means the client answered a notification with RST.
	ReasonClientReset

	// ReasonDeregistered means the client sent a GET with Observe=1.
	ReasonDeregistered

	// ReasonTransportError means the client became unreachable or a
	// notification timed out.
	ReasonTransportError

	// ReasonErrorResponse means a re-render produced an error response,
	// which ends the observation (RFC 7641 Section 4.2).
	ReasonErrorResponse

	// ReasonReplaced means the client registered again with the same token.
	ReasonReplaced

	// ReasonShutdown means the context shut down.
	ReasonShutdown
)

// String returns a human-readable reason.
func (r CancelReason) String() string {
	switch r {
	case ReasonResourceEnded:
		return "ResourceEnded"
	case ReasonClientReset:
		return "ClientReset"
	case ReasonDeregistered:
		return "Deregistered"
	case ReasonTransportError:
		return "TransportError"
	case ReasonErrorResponse:
		return "ErrorResponse"
	case ReasonReplaced:
		return "Replaced"
	case ReasonShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the reason is a defined value.
func (r CancelReason) IsValid() bool {
	return r > ReasonUnknown && r <= ReasonShutdown
}
