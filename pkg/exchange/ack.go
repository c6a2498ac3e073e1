package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
)

// AckEntry represents a received Confirmable request whose response is not
// sent yet. Each entry tracks:
//   - The request being answered
//   - EmptyAckSent flag
//
// While EmptyAckSent is false the response can still be piggybacked on the
// ACK. Once the empty ACK went out the response travels as a separate
// Confirmable message.
type AckEntry struct {
	// Request is the request to acknowledge.
	Request *message.Message

	// EmptyAckSent indicates whether an empty ACK has been sent.
	// Initially false. Set to true when the delay elapsed.
	EmptyAckSent bool

	// Timer for the empty ACK delay.
	timer eventloop.Timer
}

// Stop cancels the pending ACK timer if running.
func (e *AckEntry) Stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// AckTable manages pending acknowledgements for received Confirmable
// requests. There is at most one entry per (remote, message ID).
//
// Not safe for concurrent use; see the package documentation.
type AckTable struct {
	entries map[messageKey]*AckEntry

	delay     time.Duration
	scheduler eventloop.Scheduler
}

// NewAckTable creates a new acknowledgement table.
func NewAckTable(delay time.Duration, scheduler eventloop.Scheduler) *AckTable {
	return &AckTable{
		entries:   make(map[messageKey]*AckEntry),
		delay:     delay,
		scheduler: scheduler,
	}
}

// Add adds a pending acknowledgement for a request.
//
// onTimeout is invoked when the delay expires before the response is
// ready; the entry is marked EmptyAckSent before the callback runs.
func (t *AckTable) Add(req *message.Message, onTimeout func(entry *AckEntry)) *AckEntry {
	key := keyOf(req.Remote, req.MessageID)
	if existing, ok := t.entries[key]; ok {
		existing.Stop()
	}

	entry := &AckEntry{Request: req}
	entry.timer = t.scheduler.AfterFunc(t.delay, func() {
		entry.timer = nil
		if current, ok := t.entries[key]; !ok || current != entry || entry.EmptyAckSent {
			return
		}
		entry.EmptyAckSent = true
		if onTimeout != nil {
			onTimeout(entry)
		}
	})
	t.entries[key] = entry

	return entry
}

// Get returns the pending ACK entry for a request, if any.
func (t *AckTable) Get(req *message.Message) (*AckEntry, bool) {
	entry, ok := t.entries[keyOf(req.Remote, req.MessageID)]
	return entry, ok
}

// Take removes and returns the entry for a request. Called when the
// response is sent.
func (t *AckTable) Take(req *message.Message) (*AckEntry, bool) {
	key := keyOf(req.Remote, req.MessageID)
	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	entry.Stop()
	delete(t.entries, key)
	return entry, true
}

// HasPendingAck returns true if the request can still be answered with a
// piggybacked response.
func (t *AckTable) HasPendingAck(req *message.Message) bool {
	entry, ok := t.entries[keyOf(req.Remote, req.MessageID)]
	return ok && !entry.EmptyAckSent
}

// RemoveRemote removes all entries of a remote.
func (t *AckTable) RemoveRemote(remote endpoint.Key) {
	for key, entry := range t.entries {
		if key.remote == remote {
			entry.Stop()
			delete(t.entries, key)
		}
	}
}

// Count returns the number of pending ACK entries.
func (t *AckTable) Count() int {
	return len(t.entries)
}

// Clear removes all entries. Used for shutdown.
func (t *AckTable) Clear() {
	for key, entry := range t.entries {
		entry.Stop()
		delete(t.entries, key)
	}
}
