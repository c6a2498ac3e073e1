package observe

import (
	"sync"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Notifier produces notifications for the Manager.
type Notifier interface {
	// Notify re-renders the resource of sub and sends the result tagged with
	// seq. It must call done exactly once, on the manager's goroutine, when
	// the notification has been handed to the send path or has failed.
	Notify(sub *Subscription, seq uint32, done func())
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(sub *Subscription, seq uint32, done func())

// Notify implements Notifier.
func (f NotifierFunc) Notify(sub *Subscription, seq uint32, done func()) {
	f(sub, seq, done)
}

type subscriptionKey struct {
	remote endpoint.Key
	token  string
}

// Subscription is one requester observing one resource.
type Subscription struct {
	// ID identifies the subscription in logs.
	ID uuid.UUID

	// Remote is the requester.
	Remote endpoint.Address

	// Token is the token of the registering request, reused by every
	// notification.
	Token []byte

	// Request is the registering request, re-rendered for notifications.
	Request *message.Message

	seq       uint32
	initial   uint32
	cancel    func()
	cancelled bool
	reason    CancelReason
	queued    int
	busy      bool
}

// NextSequence returns the next Observe value, wrapping at 24 bits.
func (s *Subscription) NextSequence() uint32 {
	v := s.seq
	s.seq = (s.seq + 1) % SequenceModulus
	return v
}

// Path returns the observed resource path.
func (s *Subscription) Path() string {
	return s.Request.Options.Path()
}

// Cancelled returns true once the subscription has ended, and why.
func (s *Subscription) Cancelled() (bool, CancelReason) {
	return s.cancelled, s.reason
}

// Handle is given to a resource when a client asks to observe it. The
// resource accepts the observation with Accept and reports changes with
// Trigger. Trigger and End may be called from any goroutine.
type Handle struct {
	m        *Manager
	sub      *Subscription
	accepted bool
	closed   bool

	mu sync.Mutex
}

// Accept accepts the observation. cancel is called exactly once when the
// subscription ends for any reason. Accept only has an effect while the
// resource's registration callback runs; later calls are ignored.
func (h *Handle) Accept(cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.accepted = true
	h.sub.cancel = cancel
}

// Trigger asks for one notification with the resource's current state.
// Triggers are never merged: each produces one notification.
func (h *Handle) Trigger() {
	h.m.post(func() { h.m.trigger(h.sub) })
}

// End ends the observation from the resource side.
func (h *Handle) End() {
	h.m.post(func() { h.m.Cancel(h.sub, ReasonResourceEnded) })
}

// Subscription returns the subscription behind the handle.
func (h *Handle) Subscription() *Subscription {
	return h.sub
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Notifier sends notifications. Required.
	Notifier Notifier

	// Post runs a function on the manager's goroutine. Handles use it so
	// resources can trigger from anywhere. If nil, functions run
	// synchronously.
	Post func(func()) bool

	// OnCancel is called after a subscription ended, following the
	// resource's cancel callback. Optional.
	OnCancel func(sub *Subscription, reason CancelReason)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager holds the server-side subscriptions of a context.
//
// Not safe for concurrent use apart from Handle methods; it is owned by
// the context's event loop.
type Manager struct {
	notifier Notifier
	postFn   func(func()) bool
	onCancel func(sub *Subscription, reason CancelReason)
	subs     map[subscriptionKey]*Subscription
	log      logging.LeveledLogger
}

// NewManager creates a manager.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		notifier: config.Notifier,
		postFn:   config.Post,
		onCancel: config.OnCancel,
		subs:     make(map[subscriptionKey]*Subscription),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("observe")
	}
	return m
}

func (m *Manager) post(f func()) {
	if m.postFn == nil {
		f()
		return
	}
	if !m.postFn(f) && m.log != nil {
		m.log.Debug("dropping observation event after shutdown")
	}
}

func keyOf(remote endpoint.Address, token []byte) subscriptionKey {
	return subscriptionKey{remote: remote.Key(), token: string(token)}
}

// Register offers an observation of req to a resource. add is the
// resource's registration callback; it must call Handle.Accept to accept.
// A previous subscription with the same requester and token is replaced.
//
// The subscription starts with its send path reserved for the
// registration response: triggers from add or from the first render are
// queued until the done func returned by Initial runs.
func (m *Manager) Register(req *message.Message, add func(*Handle)) (*Subscription, error) {
	sub := &Subscription{
		ID:      uuid.New(),
		Remote:  req.Remote,
		Token:   append([]byte(nil), req.Token...),
		Request: req.Copy(),
		busy:    true,
	}
	sub.initial = sub.NextSequence()
	h := &Handle{m: m, sub: sub}

	add(h)

	h.mu.Lock()
	accepted := h.accepted
	h.closed = true
	h.mu.Unlock()
	if !accepted {
		return nil, ErrNotAccepted
	}

	key := keyOf(sub.Remote, sub.Token)
	if old, ok := m.subs[key]; ok {
		m.Cancel(old, ReasonReplaced)
	}
	m.subs[key] = sub

	if m.log != nil {
		m.log.Debugf("subscription %s: %s observes %s", sub.ID, sub.Remote.HostInfo(), sub.Path())
	}
	return sub, nil
}

// Get returns the subscription of a requester and token.
func (m *Manager) Get(remote endpoint.Address, token []byte) *Subscription {
	return m.subs[keyOf(remote, token)]
}

// Initial returns the sequence number Register reserved for the
// registration response, and the func that releases the send path once
// the response is on its way. Triggers arriving before done is called are
// held back, so the first notification never overtakes the registration
// response. A subscription cancelled instead needs no release.
func (m *Manager) Initial(sub *Subscription) (seq uint32, done func()) {
	return sub.initial, m.releaser(sub)
}

func (m *Manager) releaser(sub *Subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.busy = false
			m.pump(sub)
		})
	}
}

// trigger queues one notification and starts it unless one is in flight.
func (m *Manager) trigger(sub *Subscription) {
	if sub.cancelled {
		return
	}
	sub.queued++
	m.pump(sub)
}

func (m *Manager) pump(sub *Subscription) {
	if sub.cancelled || sub.busy || sub.queued == 0 {
		return
	}
	sub.queued--
	sub.busy = true

	seq := sub.NextSequence()
	if m.log != nil {
		m.log.Debugf("subscription %s: notification %d", sub.ID, seq)
	}

	m.notifier.Notify(sub, seq, m.releaser(sub))
}

// Cancel ends a subscription. The resource's cancel callback runs exactly
// once; later calls return false.
func (m *Manager) Cancel(sub *Subscription, reason CancelReason) bool {
	if sub == nil || sub.cancelled {
		return false
	}
	sub.cancelled = true
	sub.reason = reason
	sub.queued = 0

	key := keyOf(sub.Remote, sub.Token)
	if m.subs[key] == sub {
		delete(m.subs, key)
	}

	if m.log != nil {
		m.log.Debugf("subscription %s cancelled: %s", sub.ID, reason)
	}
	if sub.cancel != nil {
		sub.cancel()
	}
	if m.onCancel != nil {
		m.onCancel(sub, reason)
	}
	return true
}

// CancelRemote ends every subscription of remote. Returns the number
// cancelled.
func (m *Manager) CancelRemote(remote endpoint.Key, reason CancelReason) int {
	var subs []*Subscription
	for key, sub := range m.subs {
		if key.remote == remote {
			subs = append(subs, sub)
		}
	}
	for _, sub := range subs {
		m.Cancel(sub, reason)
	}
	return len(subs)
}

// CancelAll ends every subscription.
func (m *Manager) CancelAll(reason CancelReason) int {
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		m.Cancel(sub, reason)
	}
	return len(subs)
}

// Count returns the number of active subscriptions.
func (m *Manager) Count() int {
	return len(m.subs)
}
