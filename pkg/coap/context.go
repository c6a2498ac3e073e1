package coap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/backkem/coap/pkg/blockwise"
	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Context is a CoAP endpoint: the message manager its transports report to
// and the request provider its clients use.
//
// All protocol state lives on a single event loop. Transports, timers and
// resource renders post into it, so no table is ever touched by two
// goroutines.
type Context struct {
	config Config
	id     uuid.UUID
	log    logging.LeveledLogger

	loop         *eventloop.Loop
	transports   *transport.Manager
	exchange     *exchange.Manager
	blocks       *blockwise.Coordinator
	observations *observe.Manager

	// renderCtx is handed to resource renders and address resolution and
	// cancelled on shutdown.
	renderCtx context.Context
	cancel    context.CancelFunc

	// Loop-owned.
	requests      map[string]*Request
	nextToken     uint64
	nonNotify     map[notificationKey]*observe.Subscription
	lastNonNotify map[*observe.Subscription]notificationKey

	mu    sync.RWMutex
	state ContextState
}

// notificationKey identifies a Non-confirmable notification a client may
// answer with RST.
type notificationKey struct {
	remote endpoint.Key
	mid    uint16
}

// NewContext creates a new context with the given configuration.
// The context must be opened with Open() before it handles messages.
func NewContext(config Config) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Context{
		config:        config,
		id:            uuid.New(),
		requests:      make(map[string]*Request),
		nonNotify:     make(map[notificationKey]*observe.Subscription),
		lastNonNotify: make(map[*observe.Subscription]notificationKey),
		state:         ContextStateInitialized,
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("coap")
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		c.nextToken = binary.BigEndian.Uint64(buf[:])
	}

	c.renderCtx, c.cancel = context.WithCancel(context.Background())

	c.loop = eventloop.New(eventloop.Config{LoggerFactory: config.LoggerFactory})
	c.transports = transport.NewManager(transport.ManagerConfig{LoggerFactory: config.LoggerFactory})
	c.exchange = exchange.NewManager(exchange.ManagerConfig{
		Params:        config.Params,
		Scheduler:     c.loop,
		Sender:        exchange.SenderFunc(c.transports.Send),
		Random:        config.Random,
		LoggerFactory: config.LoggerFactory,
	})
	c.blocks = blockwise.NewCoordinator(blockwise.CoordinatorConfig{
		Scheduler:     c.loop,
		IdleTimeout:   config.BlockwiseTimeout,
		MaxSize:       config.MaxBodySize,
		LoggerFactory: config.LoggerFactory,
	})
	c.observations = observe.NewManager(observe.ManagerConfig{
		Notifier:      observe.NotifierFunc(c.notify),
		Post:          c.loop.Post,
		OnCancel:      c.subscriptionEnded,
		LoggerFactory: config.LoggerFactory,
	})

	return c, nil
}

// ID returns the context identifier used in logs.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Context) State() ContextState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState updates the state and notifies the callback.
func (c *Context) setState(state ContextState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.stateChanged(state)
}

// stateChanged reports a transition. Must be called without c.mu held.
func (c *Context) stateChanged(state ContextState) {
	if c.log != nil {
		c.log.Debugf("context %s: %s", c.id, state)
	}
	if c.config.OnStateChanged != nil {
		c.config.OnStateChanged(state)
	}
}

// Open starts the event loop. Transports may be added before or after.
func (c *Context) Open() error {
	c.mu.Lock()
	if !c.state.CanOpen() {
		c.mu.Unlock()
		if c.state.IsRunning() {
			return ErrAlreadyOpen
		}
		return ErrShutdown
	}
	c.state = ContextStateOpen
	c.mu.Unlock()

	c.loop.Start()
	c.loop.Post(c.exchange.Start)

	if c.log != nil {
		c.log.Infof("context %s open", c.id)
	}
	c.stateChanged(ContextStateOpen)
	return nil
}

// AddTransport registers a transport. The transport must report to this
// context as its MessageManager.
func (c *Context) AddTransport(t transport.Transport) error {
	return c.transports.Add(t)
}

// ListenUDP creates, registers and starts a UDP transport on the
// configured listen address and multicast groups.
func (c *Context) ListenUDP() (*transport.UDP, error) {
	groups, err := c.config.MulticastGroupAddrs()
	if err != nil {
		return nil, err
	}

	u, err := transport.NewUDP(transport.UDPConfig{
		ListenAddr:      c.config.ListenAddr,
		Manager:         c,
		MulticastGroups: groups,
		Resolver:        c.config.Resolver,
		LoggerFactory:   c.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	if err := c.AddTransport(u); err != nil {
		u.Shutdown(context.Background())
		return nil, err
	}
	if err := u.Start(); err != nil {
		return nil, err
	}
	return u, nil
}

// Shutdown ends every subscription, fails pending requests with
// ErrShutdown and shuts every transport down. Calling it again is a no-op.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanShutdown() {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state.IsRunning()
	c.state = ContextStateShuttingDown
	c.mu.Unlock()

	c.stateChanged(ContextStateShuttingDown)
	if c.log != nil {
		c.log.Infof("context %s shutting down", c.id)
	}

	var errs []error
	if wasOpen {
		if err := c.loop.Do(ctx, c.teardown); err != nil {
			errs = append(errs, err)
		}
	}
	c.cancel()

	if err := c.transports.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.loop.Stop()

	c.setState(ContextStateClosed)
	return errors.Join(errs...)
}

// teardown runs on the loop.
func (c *Context) teardown() {
	if n := c.observations.CancelAll(observe.ReasonShutdown); n > 0 && c.log != nil {
		c.log.Debugf("cancelled %d subscriptions", n)
	}

	for _, r := range c.pendingRequests() {
		r.fail(ErrShutdown)
	}

	c.blocks.Clear()
	c.exchange.Close()
}

// DispatchMessage implements transport.MessageManager.
func (c *Context) DispatchMessage(msg *message.Message) {
	if !c.loop.Post(func() { c.handleMessage(msg) }) && c.log != nil {
		c.log.Debugf("dropping %s after shutdown", msg)
	}
}

// DispatchError implements transport.MessageManager.
func (c *Context) DispatchError(err error, remote endpoint.Address) {
	if remote == nil {
		return
	}
	c.loop.Post(func() { c.handleError(err, remote) })
}

// ClientCredentials implements transport.MessageManager.
func (c *Context) ClientCredentials() *credentials.Map {
	return c.config.Credentials
}

// Verify Context implements transport.MessageManager.
var _ transport.MessageManager = (*Context)(nil)

func (c *Context) handleMessage(msg *message.Message) {
	if msg.Remote == nil {
		return
	}

	if msg.Type == message.Reset {
		c.handleNotificationReset(msg)
	}

	if !c.exchange.Receive(msg) {
		return
	}

	switch {
	case msg.IsRequest():
		c.handleRequest(msg)
	case msg.IsResponse():
		c.handleResponse(msg)
	default:
		if c.log != nil {
			c.log.Warnf("rejecting %s: unknown code class", msg)
		}
		if msg.Type == message.Confirmable {
			c.exchange.Reject(msg)
		}
	}
}

// handleError tears down everything that depends on an unreachable remote.
func (c *Context) handleError(err error, remote endpoint.Address) {
	uerr := exchange.NewUnreachableError(remote, err)
	if c.log != nil {
		c.log.Warnf("%s unreachable: %v", remote.HostInfo(), err)
	}

	exchanges := c.exchange.RemoveRemote(remote, uerr)

	failed := 0
	for _, r := range c.pendingRequests() {
		if r.remote != nil && endpoint.Equal(r.remote, remote) {
			r.fail(uerr)
			failed++
		}
	}

	subs := c.observations.CancelRemote(remote.Key(), observe.ReasonTransportError)
	assemblies := c.blocks.AbortRemote(remote.Key())
	c.transports.Forget(remote)

	if c.log != nil {
		c.log.Debugf("%s: dropped %d exchanges, %d requests, %d subscriptions, %d transfers",
			remote.HostInfo(), exchanges, failed, subs, assemblies)
	}
}

func (c *Context) pendingRequests() []*Request {
	requests := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		requests = append(requests, r)
	}
	return requests
}

func (c *Context) newToken() []byte {
	c.nextToken++
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, c.nextToken)
	return token
}
