package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
)

// Outcome receives the result of a Confirmable exchange. ack is the
// matching ACK (empty or carrying a piggybacked response) on success; err is
// ErrRejected, ErrTimeout or an *UnreachableError otherwise. It is invoked at
// most once and never for a cancelled exchange.
type Outcome func(ack *message.Message, err error)

// Exchange is an outgoing Confirmable message awaiting acknowledgement.
// Each exchange tracks:
//   - Message ID and token
//   - Remote endpoint
//   - The message, retransmitted unchanged
//   - Retransmission count and current timeout
type Exchange struct {
	// MessageID is the ID the message was sent with.
	MessageID uint16

	// Token is the token of the message.
	Token []byte

	// Remote is the destination.
	Remote endpoint.Address

	// Type is the message type. Only Confirmable messages become exchanges.
	Type message.Type

	// Retransmits is the number of retransmissions so far. Starts at 0 for
	// the initial transmission.
	Retransmits int

	// Deadline is when the current timer fires.
	Deadline time.Time

	// State is the lifecycle state.
	State ExchangeState

	msg     *message.Message
	timeout time.Duration
	timer   eventloop.Timer
	outcome Outcome
}

// Message returns the message being transmitted.
func (e *Exchange) Message() *message.Message {
	return e.msg
}

// Stop cancels the retransmission timer if running.
func (e *Exchange) Stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// finish moves the exchange to a terminal state and reports the outcome.
func (e *Exchange) finish(state ExchangeState, ack *message.Message, err error) {
	if e.State.IsTerminal() {
		return
	}
	e.Stop()
	e.State = state
	if state == ExchangeStateCancelled || e.outcome == nil {
		return
	}
	outcome := e.outcome
	e.outcome = nil
	outcome(ack, err)
}

// RetransmitTable manages pending retransmissions for Confirmable messages.
// Entries stay until acknowledged, reset, cancelled or timed out.
//
// Not safe for concurrent use; see the package documentation.
type RetransmitTable struct {
	// entries maps (remote, message ID) to the pending exchange.
	entries map[messageKey]*Exchange

	// backoff calculates retransmission timeouts.
	backoff *BackoffCalculator

	params    Params
	scheduler eventloop.Scheduler
}

// NewRetransmitTable creates a new retransmission table.
func NewRetransmitTable(params Params, scheduler eventloop.Scheduler, random RandomSource) *RetransmitTable {
	params = params.WithDefaults()
	return &RetransmitTable{
		entries:   make(map[messageKey]*Exchange),
		backoff:   NewBackoffCalculator(params, random),
		params:    params,
		scheduler: scheduler,
	}
}

// Add adds a sent Confirmable message to the table and starts its timer.
//
// Parameters:
//   - msg: The message as sent, with Remote and MessageID set
//   - outcome: Callback for the exchange result
//   - onTimeout: Callback when the retransmit timer expires
//
// Returns error if the same message ID is already pending for the remote.
func (t *RetransmitTable) Add(msg *message.Message, outcome Outcome, onTimeout func(ex *Exchange)) (*Exchange, error) {
	key := keyOf(msg.Remote, msg.MessageID)
	if _, exists := t.entries[key]; exists {
		return nil, ErrExchangeExists
	}

	ex := &Exchange{
		MessageID: msg.MessageID,
		Token:     msg.Token,
		Remote:    msg.Remote,
		Type:      msg.Type,
		State:     ExchangeStatePending,
		msg:       msg,
		timeout:   t.backoff.Initial(),
		outcome:   outcome,
	}
	t.arm(ex, onTimeout)
	t.entries[key] = ex

	return ex, nil
}

// Ack removes an entry when an ACK or RST was received.
// Returns the exchange if found, nil otherwise.
func (t *RetransmitTable) Ack(remote endpoint.Address, mid uint16) *Exchange {
	key := keyOf(remote, mid)
	ex, ok := t.entries[key]
	if !ok {
		return nil
	}

	ex.Stop()
	delete(t.entries, key)
	return ex
}

// ScheduleRetransmit updates the entry for its next retransmission.
// Called from the timeout callback before the message is sent again.
//
// Returns:
//   - true if a retransmission is due (timeout doubled, timer restarted)
//   - false if MAX_RETRANSMIT was reached (entry removed)
func (t *RetransmitTable) ScheduleRetransmit(ex *Exchange, onTimeout func(ex *Exchange)) bool {
	key := keyOf(ex.Remote, ex.MessageID)
	if current, ok := t.entries[key]; !ok || current != ex {
		return false
	}

	if ex.Retransmits >= t.params.MaxRetransmit {
		ex.Stop()
		delete(t.entries, key)
		return false
	}

	ex.Retransmits++
	ex.timeout = t.backoff.Next(ex.timeout)
	t.arm(ex, onTimeout)

	return true
}

// Get returns the pending exchange for a remote and message ID.
func (t *RetransmitTable) Get(remote endpoint.Address, mid uint16) (*Exchange, bool) {
	ex, ok := t.entries[keyOf(remote, mid)]
	return ex, ok
}

// Remove removes an exchange without reporting an outcome.
func (t *RetransmitTable) Remove(ex *Exchange) {
	key := keyOf(ex.Remote, ex.MessageID)
	if current, ok := t.entries[key]; ok && current == ex {
		ex.Stop()
		delete(t.entries, key)
	}
}

// RemoveRemote removes and returns every exchange of a remote.
func (t *RetransmitTable) RemoveRemote(remote endpoint.Key) []*Exchange {
	var removed []*Exchange
	for key, ex := range t.entries {
		if key.remote == remote {
			ex.Stop()
			delete(t.entries, key)
			removed = append(removed, ex)
		}
	}
	return removed
}

// Count returns the number of pending exchanges.
func (t *RetransmitTable) Count() int {
	return len(t.entries)
}

// Clear removes and returns all entries. Used for shutdown.
func (t *RetransmitTable) Clear() []*Exchange {
	removed := make([]*Exchange, 0, len(t.entries))
	for key, ex := range t.entries {
		ex.Stop()
		delete(t.entries, key)
		removed = append(removed, ex)
	}
	return removed
}

// ForEach iterates over all entries.
// The callback should not modify the table.
func (t *RetransmitTable) ForEach(fn func(ex *Exchange)) {
	for _, ex := range t.entries {
		fn(ex)
	}
}

func (t *RetransmitTable) arm(ex *Exchange, onTimeout func(ex *Exchange)) {
	ex.Stop()
	ex.Deadline = t.scheduler.Now().Add(ex.timeout)
	ex.timer = t.scheduler.AfterFunc(ex.timeout, func() {
		ex.timer = nil
		if onTimeout != nil {
			onTimeout(ex)
		}
	})
}
