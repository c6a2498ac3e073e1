package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// activeService tracks an active DNS-SD service registration.
type activeService struct {
	server       MDNSServer
	instanceName string
	port         int
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// InstanceName is the DNS-SD instance name, also reachable as
	// <InstanceName>.local through Resolver.LookupHost.
	// If empty, a random name is generated.
	InstanceName string

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes CoAP endpoints as DNS-SD services.
type Advertiser struct {
	config   AdvertiserConfig
	factory  MDNSServerFactory
	log      logging.LeveledLogger
	mu       sync.RWMutex
	services map[ServiceType]*activeService
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.InstanceName == "" {
		config.InstanceName = GenerateInstanceName()
	}
	if err := ValidateInstanceName(config.InstanceName); err != nil {
		return nil, err
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:   config,
		factory:  factory,
		services: make(map[ServiceType]*activeService),
	}

	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}

	return a, nil
}

// Start begins advertising a service of the given type on port.
// A port of 0 selects the IANA port of the service type.
func (a *Advertiser) Start(serviceType ServiceType, port int, txt ServiceTXT) error {
	if !serviceType.IsValid() {
		return ErrInvalidServiceType
	}
	if port == 0 {
		port = serviceType.DefaultPort()
	}
	if port < 0 || port > 65535 {
		return ErrInvalidPort
	}
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.services[serviceType]; exists {
		return ErrAlreadyStarted
	}

	server, err := a.factory.Register(
		a.config.InstanceName,
		serviceType.ServiceString(),
		DefaultDomain,
		port,
		txt.Encode(),
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("advertiser: register %s: %w", serviceType.ServiceString(), err)
	}

	a.services[serviceType] = &activeService{
		server:       server,
		instanceName: a.config.InstanceName,
		port:         port,
	}

	if a.log != nil {
		a.log.Infof("advertising %s.%s%s on port %d", a.config.InstanceName, serviceType.ServiceString(), DefaultDomain, port)
	}

	return nil
}

// Stop stops advertising a specific service type.
func (a *Advertiser) Stop(serviceType ServiceType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	svc, exists := a.services[serviceType]
	if !exists {
		return ErrNotStarted
	}

	svc.server.Shutdown()
	delete(a.services, serviceType)

	return nil
}

// Close stops all services and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = nil
	a.closed = true

	return nil
}

// IsAdvertising returns true if the given service type is currently being advertised.
func (a *Advertiser) IsAdvertising(serviceType ServiceType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.services[serviceType]
	return exists
}

// InstanceName returns the instance name services are advertised under.
func (a *Advertiser) InstanceName() string {
	return a.config.InstanceName
}

// Run advertises until ctx is done, then closes the advertiser.
func (a *Advertiser) Run(ctx context.Context) error {
	<-ctx.Done()
	a.Close()
	return ctx.Err()
}
