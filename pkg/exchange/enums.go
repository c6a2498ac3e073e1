// Package exchange implements the CoAP message layer: message identity,
// retransmission and deduplication.
//
// The exchange layer sits between the transports (pkg/transport) and the
// request/response layer of a context (pkg/coap). It provides:
//
//   - Message ID allocation and matching of ACK and RST to outgoing
//     Confirmable messages
//   - Retransmission of Confirmable messages with exponential backoff
//   - Deduplication of inbound messages, replaying cached responses
//   - Piggybacked or separate responses with a delayed empty ACK
//
// An Exchange is one outgoing Confirmable message awaiting its ACK, keyed by
// the remote endpoint and message ID.
//
// The Manager and its tables are not safe for concurrent use. They are owned
// by the event loop of a context (pkg/eventloop) and every call, including
// timer callbacks, happens on that loop.
//
// References:
//   - RFC 7252 Section 4: Message Transmission
package exchange

// ExchangeState tracks the lifecycle of an exchange.
//
//	Pending -> Acked | Reset | TimedOut | Cancelled | Failed
type ExchangeState int

const (
	// ExchangeStateUnknown indicates an uninitialized state.
	ExchangeStateUnknown ExchangeState = iota

	// ExchangeStatePending indicates the message was sent and no ACK or RST
	// has been received yet. Retransmissions continue in this state.
	ExchangeStatePending

	// ExchangeStateAcked indicates a matching ACK (empty or piggybacked) was
	// received.
	ExchangeStateAcked

	// ExchangeStateReset indicates the peer rejected the message with RST.
	ExchangeStateReset

	// ExchangeStateTimedOut indicates MAX_RETRANSMIT retransmissions went
	// unacknowledged.
	ExchangeStateTimedOut

	// ExchangeStateCancelled indicates the sender abandoned the exchange.
	ExchangeStateCancelled

	// ExchangeStateFailed indicates a transport reported the remote
	// unreachable while the exchange was pending.
	ExchangeStateFailed
)

// String returns a human-readable name for the exchange state.
func (s ExchangeState) String() string {
	switch s {
	case ExchangeStatePending:
		return "Pending"
	case ExchangeStateAcked:
		return "Acked"
	case ExchangeStateReset:
		return "Reset"
	case ExchangeStateTimedOut:
		return "TimedOut"
	case ExchangeStateCancelled:
		return "Cancelled"
	case ExchangeStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s ExchangeState) IsValid() bool {
	return s >= ExchangeStatePending && s <= ExchangeStateFailed
}

// IsTerminal returns true once the exchange has an outcome.
func (s ExchangeState) IsTerminal() bool {
	return s > ExchangeStatePending && s <= ExchangeStateFailed
}

// Decision is the outcome of checking an inbound message against the
// deduplication table.
type Decision int

const (
	// DecisionFresh indicates the message ID was not seen within the
	// retention window. The message has been recorded.
	DecisionFresh Decision = iota

	// DecisionDuplicate indicates a duplicate without a cached response.
	DecisionDuplicate

	// DecisionDuplicateWithResponse indicates a duplicate of a message that
	// was already answered; the cached response should be sent again.
	DecisionDuplicateWithResponse
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	switch d {
	case DecisionFresh:
		return "Fresh"
	case DecisionDuplicate:
		return "Duplicate"
	case DecisionDuplicateWithResponse:
		return "DuplicateWithResponse"
	default:
		return "Unknown"
	}
}
