package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultMaxRoutes bounds the route cache of a Manager.
const DefaultMaxRoutes = 1024

// Manager coordinates the transports of a context.
// It asks each transport in registration order whether it can carry a
// message and caches which transport owns each remote, so responses,
// retransmissions and notifications leave through the transport the peer
// is known on. Ownership is recomputed on a cache miss, so the cache may
// drop entries at any time.
type Manager struct {
	transports []Transport
	routes     map[endpoint.Key]Transport
	maxRoutes  int
	log        logging.LeveledLogger

	mu     sync.RWMutex
	closed bool
}

// ManagerConfig configures the transport manager.
type ManagerConfig struct {
	// MaxRoutes bounds the number of cached routes. Zero means
	// DefaultMaxRoutes.
	MaxRoutes int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewManager creates a new transport manager with no transports.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		routes:    make(map[endpoint.Key]Transport),
		maxRoutes: config.MaxRoutes,
	}
	if m.maxRoutes <= 0 {
		m.maxRoutes = DefaultMaxRoutes
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("transport")
	}
	return m
}

// Add registers a transport. Transports added first are asked first.
func (m *Manager) Add(t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.transports = append(m.transports, t)
	return nil
}

// Transports returns the registered transports.
func (m *Manager) Transports() []Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transport(nil), m.transports...)
}

// DetermineRemote finds the first transport that can carry msg and returns
// the remote it resolved. Returns ErrUnsupported if no transport can.
// It may block on name resolution.
func (m *Manager) DetermineRemote(ctx context.Context, msg *message.Message) (endpoint.Address, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	transports := append([]Transport(nil), m.transports...)
	m.mu.RUnlock()

	for _, t := range transports {
		remote, err := t.DetermineRemote(ctx, msg)
		if err != nil {
			return nil, err
		}
		if remote != nil {
			m.remember(remote, t)
			return remote, nil
		}
	}

	scheme := msg.Scheme
	if scheme == "" {
		scheme = SchemeCoAP
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, scheme)
}

// Send transmits msg through the transport that owns msg.Remote.
func (m *Manager) Send(msg *message.Message) error {
	if msg.Remote == nil {
		return ErrInvalidAddress
	}

	t, err := m.route(msg)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// Routes returns the number of cached routes.
func (m *Manager) Routes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

// Forget drops the route of a remote.
func (m *Manager) Forget(remote endpoint.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, remote.Key())
}

// Shutdown shuts every transport down. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transports := m.transports
	m.routes = make(map[endpoint.Key]Transport)
	m.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) route(msg *message.Message) (Transport, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	t, ok := m.routes[msg.Remote.Key()]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	// Remote seen for the first time, e.g. an inbound request. Ownership
	// checks never resolve names, so this does not block.
	if _, err := m.DetermineRemote(context.Background(), msg); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.routes[msg.Remote.Key()]; ok {
		return t, nil
	}
	return nil, ErrUnsupported
}

func (m *Manager) remember(remote endpoint.Address, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	key := remote.Key()
	if _, ok := m.routes[key]; !ok {
		if len(m.routes) >= m.maxRoutes {
			m.evictLocked()
		}
		if m.log != nil {
			m.log.Tracef("route %s via %T", remote.HostInfo(), t)
		}
	}
	m.routes[key] = t
}

// evictLocked drops an arbitrary route to make room for a new one.
func (m *Manager) evictLocked() {
	for key := range m.routes {
		delete(m.routes, key)
		return
	}
}
