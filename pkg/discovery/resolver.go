package discovery

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered DNS-SD service.
type ResolvedService struct {
	// ServiceType is the type of the discovered service.
	ServiceType ServiceType

	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// Addrs contains the resolved addresses, sorted by preference.
	Addrs []netip.Addr

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string

	// TXT holds the parsed CoRE attributes. Nil if the records were
	// malformed.
	TXT *ServiceTXT
}

// PreferredAddr returns the most preferred address (first in the sorted list).
// Returns the zero Addr if no addresses are available.
func (r *ResolvedService) PreferredAddr() netip.Addr {
	if len(r.Addrs) > 0 {
		return r.Addrs[0]
	}
	return netip.Addr{}
}

// AddrPort returns the preferred address together with the service port.
func (r *ResolvedService) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(r.PreferredAddr(), uint16(r.Port))
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Implementations send answers on entries until ctx is done or they have
// nothing more to report. They may close entries when finished.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
// A zeroconf.Resolver shuts its sockets down when its query ends, so each
// query gets a fresh one.
type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

func (zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	return r.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// HostServiceType is the service type LookupHost queries for
	// <instance>.local names. If unset, ServiceTypeCoAP is used.
	HostServiceType ServiceType

	// Fallback resolves host names outside the .local domain.
	// If nil, transport.DefaultResolver is used.
	Fallback transport.Resolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers CoAP services via DNS-SD. It also implements
// transport.Resolver so a UDP transport can reach "<instance>.local" hosts.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

var _ transport.Resolver = (*Resolver)(nil)

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) *Resolver {
	resolver := config.MDNSResolver
	if resolver == nil {
		resolver = zeroconfResolver{}
	}

	if !config.HostServiceType.IsValid() {
		config.HostServiceType = ServiceTypeCoAP
	}
	if config.Fallback == nil {
		config.Fallback = transport.DefaultResolver
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	r := &Resolver{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discovery")
	}
	return r
}

// Browse discovers services of the given type.
// Returns a channel that receives discovered services until the context is
// cancelled or the browse timeout expires.
func (r *Resolver) Browse(ctx context.Context, serviceType ServiceType) (<-chan ResolvedService, error) {
	service := serviceType.ServiceString()
	if service == "" {
		return nil, ErrInvalidServiceType
	}

	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		if err := r.resolver.Browse(ctx, service, DefaultDomain, entries); err != nil && r.log != nil {
			r.log.Warnf("browse %s: %v", service, err)
		}
	}()

	go func() {
		defer cancel()
		defer close(results)

		seen := make(map[string]bool)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil || seen[entry.Instance] {
					continue
				}
				seen[entry.Instance] = true

				select {
				case results <- r.toResolvedService(entry, serviceType):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}

// Lookup looks up a specific service instance by name.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*ResolvedService, error) {
	service := serviceType.ServiceString()
	if service == "" {
		return nil, ErrInvalidServiceType
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
	}
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.resolver.Lookup(ctx, instanceName, service, DefaultDomain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if entry == nil || entry.Instance != instanceName {
				continue
			}
			svc := r.toResolvedService(entry, serviceType)
			return &svc, nil
		case err := <-errCh:
			if err != nil {
				return nil, err
			}
			// The lookup finished; answers it sent were consumed above.
			errCh = nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// LookupHost implements transport.Resolver. Hosts in the .local domain are
// looked up as service instances; anything else goes to the fallback
// resolver.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	instance, ok := InstanceFromHost(host)
	if !ok {
		return r.config.Fallback.LookupHost(ctx, host)
	}

	svc, err := r.Lookup(ctx, r.config.HostServiceType, instance)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrTimeout) {
			return nil, transport.ErrHostNotFound
		}
		return nil, err
	}
	if len(svc.Addrs) == 0 {
		return nil, transport.ErrHostNotFound
	}

	if r.log != nil {
		r.log.Debugf("resolved %s to %v", host, svc.Addrs)
	}
	return svc.Addrs, nil
}

// toResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func (r *Resolver) toResolvedService(entry *zeroconf.ServiceEntry, serviceType ServiceType) ResolvedService {
	svc := ResolvedService{
		ServiceType:  serviceType,
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addrs:        SortAddrsByPreference(entryAddrs(entry.AddrIPv4, entry.AddrIPv6)),
		Text:         ParseTXT(entry.Text),
	}

	txt, err := ParseServiceTXT(entry.Text)
	if err != nil {
		if r.log != nil {
			r.log.Debugf("instance %s: %v", entry.Instance, err)
		}
	} else {
		svc.TXT = txt
	}
	return svc
}
