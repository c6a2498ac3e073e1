package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// Sender puts a message on the wire. The context implements it by routing
// the message to the transport that owns its remote.
type Sender interface {
	Send(msg *message.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(msg *message.Message) error

// Send implements Sender.
func (f SenderFunc) Send(msg *message.Message) error {
	return f(msg)
}

// ManagerConfig configures the exchange Manager.
type ManagerConfig struct {
	// Params are the transmission parameters. Zero fields take defaults.
	Params Params

	// Scheduler runs timers. In a context this is its event loop.
	Scheduler eventloop.Scheduler

	// Sender transmits messages.
	Sender Sender

	// Random is the jitter source. If nil, DefaultRandomSource is used.
	Random RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager is the message layer of a context.
// It allocates message IDs, retransmits Confirmable messages, matches ACK
// and RST, filters duplicates and acknowledges inbound Confirmable messages.
type Manager struct {
	config ManagerConfig
	params Params
	log    logging.LeveledLogger

	// dedup remembers recently received message IDs.
	dedup *DedupTable

	// ackTable tracks received Confirmable requests awaiting a response.
	ackTable *AckTable

	// retransmitTable tracks outgoing Confirmable messages.
	retransmitTable *RetransmitTable

	// nextMessageID is the next message ID to allocate.
	// First is random, subsequent increment by 1.
	nextMessageID uint16

	sweepTimer eventloop.Timer
}

// NewManager creates a new exchange manager.
func NewManager(config ManagerConfig) *Manager {
	params := config.Params.WithDefaults()
	m := &Manager{
		config:          config,
		params:          params,
		dedup:           NewDedupTable(params),
		ackTable:        NewAckTable(params.EmptyAckDelay, config.Scheduler),
		retransmitTable: NewRetransmitTable(params, config.Scheduler, config.Random),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("exchange")
	}

	// Initialize with random message ID
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextMessageID = binary.BigEndian.Uint16(buf[:])
	}

	return m
}

// Params returns the effective transmission parameters.
func (m *Manager) Params() Params {
	return m.params
}

// Start begins the periodic deduplication sweep.
func (m *Manager) Start() {
	m.scheduleSweep()
}

// Close stops all timers and drops every table. No outcomes are reported;
// the caller fails its own pending operations.
func (m *Manager) Close() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
		m.sweepTimer = nil
	}
	for _, ex := range m.retransmitTable.Clear() {
		ex.finish(ExchangeStateCancelled, nil, nil)
	}
	m.ackTable.Clear()
	m.dedup.Clear()
}

// NextMessageID allocates a message ID.
func (m *Manager) NextMessageID() uint16 {
	id := m.nextMessageID
	m.nextMessageID++
	return id
}

// Send transmits a message with a freshly allocated message ID.
//
// A Confirmable message becomes an Exchange: it is retransmitted until
// acknowledged and outcome receives the result. Non-confirmable messages are
// sent once and return a nil Exchange. ACK and RST messages are sent as-is.
func (m *Manager) Send(msg *message.Message, outcome Outcome) (*Exchange, error) {
	if msg.Remote == nil {
		return nil, ErrNoRemote
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	switch msg.Type {
	case message.Confirmable:
		msg.MessageID = m.NextMessageID()
		ex, err := m.retransmitTable.Add(msg, outcome, m.onRetransmitTimeout)
		if err != nil {
			return nil, err
		}
		if err := m.transmit(msg); err != nil {
			m.retransmitTable.Remove(ex)
			ex.State = ExchangeStateFailed
			return nil, NewUnreachableError(msg.Remote, err)
		}
		return ex, nil

	case message.NonConfirmable:
		msg.MessageID = m.NextMessageID()
		if err := m.transmit(msg); err != nil {
			return nil, NewUnreachableError(msg.Remote, err)
		}
		return nil, nil

	default:
		if err := m.transmit(msg); err != nil {
			return nil, NewUnreachableError(msg.Remote, err)
		}
		return nil, nil
	}
}

// Cancel abandons an exchange: retransmission stops and no outcome is
// reported. Already transmitted copies are not recalled.
func (m *Manager) Cancel(ex *Exchange) {
	if ex == nil || ex.State.IsTerminal() {
		return
	}
	m.retransmitTable.Remove(ex)
	ex.finish(ExchangeStateCancelled, nil, nil)

	if m.log != nil {
		m.log.Debugf("cancelled exchange mid=%d remote=%s", ex.MessageID, ex.Remote.HostInfo())
	}
}

// Receive processes an inbound message at the message layer.
//
// ACK and RST complete the matching exchange and are consumed. Confirmable
// and Non-confirmable messages are deduplicated: duplicates are consumed,
// answered with the cached response if there is one. A fresh Confirmable
// request starts the empty ACK delay. Empty Confirmable messages (pings) are
// answered with RST.
//
// Returns true if the message must be handled by the request/response layer.
func (m *Manager) Receive(msg *message.Message) bool {
	if msg.Remote == nil {
		return false
	}

	switch msg.Type {
	case message.Acknowledgement:
		ex := m.retransmitTable.Ack(msg.Remote, msg.MessageID)
		if ex == nil {
			if m.log != nil {
				m.log.Debugf("unmatched ACK mid=%d from %s", msg.MessageID, msg.Remote.HostInfo())
			}
			return false
		}
		ex.finish(ExchangeStateAcked, msg, nil)
		return false

	case message.Reset:
		ex := m.retransmitTable.Ack(msg.Remote, msg.MessageID)
		if ex == nil {
			if m.log != nil {
				m.log.Debugf("unmatched RST mid=%d from %s", msg.MessageID, msg.Remote.HostInfo())
			}
			return false
		}
		ex.finish(ExchangeStateReset, nil, ErrRejected)
		return false
	}

	decision, cached := m.dedup.Observe(msg.Remote, msg.MessageID, msg.Type, m.config.Scheduler.Now())
	switch decision {
	case DecisionDuplicateWithResponse:
		if m.log != nil {
			m.log.Debugf("duplicate mid=%d from %s, replaying %s", msg.MessageID, msg.Remote.HostInfo(), cached.Code)
		}
		m.sendOrLog(cached)
		return false
	case DecisionDuplicate:
		if m.log != nil {
			m.log.Debugf("duplicate mid=%d from %s", msg.MessageID, msg.Remote.HostInfo())
		}
		return false
	}

	if msg.IsEmpty() {
		if msg.Type == message.Confirmable {
			m.Reject(msg)
		}
		return false
	}

	if msg.Type == message.Confirmable && msg.IsRequest() {
		m.ackTable.Add(msg, m.sendEmptyAck)
	}
	return true
}

// Respond sends the response to a received request.
//
// For a Confirmable request still within the empty ACK delay the response
// is piggybacked on the ACK and cached for duplicates. Once the empty ACK
// went out it is sent as a separate Confirmable message and outcome
// receives its result. Responses to Non-confirmable requests are sent
// Non-confirmable.
func (m *Manager) Respond(req, resp *message.Message, outcome Outcome) (*Exchange, error) {
	if req.Remote == nil {
		return nil, ErrNoRemote
	}
	if resp.Remote == nil {
		resp.Remote = req.Remote
	}

	if req.Type != message.Confirmable {
		resp.Type = message.NonConfirmable
		return m.Send(resp, outcome)
	}

	entry, ok := m.ackTable.Take(req)
	if ok && !entry.EmptyAckSent {
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		m.dedup.RecordResponse(req.Remote, req.MessageID, resp)
		if err := m.transmit(resp); err != nil {
			return nil, NewUnreachableError(resp.Remote, err)
		}
		if outcome != nil {
			outcome(resp, nil)
		}
		return nil, nil
	}

	resp.Type = message.Confirmable
	return m.Send(resp, outcome)
}

// Decline finishes a request that gets no response. A Confirmable request
// whose empty ACK is still pending is acknowledged now.
func (m *Manager) Decline(req *message.Message) {
	entry, ok := m.ackTable.Take(req)
	if !ok || entry.EmptyAckSent {
		return
	}
	m.sendEmptyAck(entry)
}

// Acknowledge sends an empty ACK for a received Confirmable response and
// caches it for duplicates.
func (m *Manager) Acknowledge(msg *message.Message) {
	if msg.Type != message.Confirmable {
		return
	}
	ack := message.NewEmptyAck(msg)
	m.dedup.RecordResponse(msg.Remote, msg.MessageID, ack)
	m.sendOrLog(ack)
}

// Reject answers a received message with RST, e.g. a response that matches
// no request or a notification the client is no longer interested in.
func (m *Manager) Reject(msg *message.Message) {
	if _, ok := m.ackTable.Take(msg); ok && m.log != nil {
		m.log.Debugf("rejecting request mid=%d with pending ACK", msg.MessageID)
	}
	rst := message.NewReset(msg)
	m.dedup.RecordResponse(msg.Remote, msg.MessageID, rst)
	m.sendOrLog(rst)
}

// RemoveRemote fails every pending exchange of a remote with err and drops
// its pending acknowledgements. Deduplication state is kept so late
// duplicates are still recognised.
func (m *Manager) RemoveRemote(remote endpoint.Address, err error) int {
	exchanges := m.retransmitTable.RemoveRemote(remote.Key())
	for _, ex := range exchanges {
		ex.finish(ExchangeStateFailed, nil, err)
	}
	m.ackTable.RemoveRemote(remote.Key())
	return len(exchanges)
}

// PendingExchanges returns the number of unacknowledged Confirmable messages.
func (m *Manager) PendingExchanges() int {
	return m.retransmitTable.Count()
}

// onRetransmitTimeout handles a retransmission timer on the loop.
func (m *Manager) onRetransmitTimeout(ex *Exchange) {
	if ex.State != ExchangeStatePending {
		return
	}

	if !m.retransmitTable.ScheduleRetransmit(ex, m.onRetransmitTimeout) {
		if m.log != nil {
			m.log.Infof("exchange mid=%d to %s timed out after %d retransmissions",
				ex.MessageID, ex.Remote.HostInfo(), ex.Retransmits)
		}
		ex.finish(ExchangeStateTimedOut, nil, ErrTimeout)
		return
	}

	if m.log != nil {
		m.log.Debugf("retransmit %d/%d mid=%d to %s, next in %v",
			ex.Retransmits, m.params.MaxRetransmit, ex.MessageID, ex.Remote.HostInfo(), ex.timeout)
	}
	// Send errors are transient here; unreachability is reported by the
	// transport through the context.
	m.sendOrLog(ex.msg)
}

// sendEmptyAck acknowledges a request whose response is not ready.
func (m *Manager) sendEmptyAck(entry *AckEntry) {
	ack := message.NewEmptyAck(entry.Request)
	m.dedup.RecordResponse(entry.Request.Remote, entry.Request.MessageID, ack)
	m.sendOrLog(ack)
}

func (m *Manager) scheduleSweep() {
	interval := m.params.NonLifetime / 4
	m.sweepTimer = m.config.Scheduler.AfterFunc(interval, func() {
		removed := m.dedup.Sweep(m.config.Scheduler.Now())
		if m.log != nil && removed > 0 {
			m.log.Tracef("swept %d deduplication entries", removed)
		}
		m.scheduleSweep()
	})
}

func (m *Manager) transmit(msg *message.Message) error {
	if m.config.Sender == nil {
		return fmt.Errorf("%w: no sender", ErrInvalidMessage)
	}
	if m.log != nil {
		m.log.Tracef("send %s", msg)
	}
	return m.config.Sender.Send(msg)
}

func (m *Manager) sendOrLog(msg *message.Message) {
	if err := m.transmit(msg); err != nil && m.log != nil {
		m.log.Warnf("send %s failed: %v", msg, err)
	}
}
