package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver provides a mock mDNS resolver for testing without real network I/O.
// It allows registering services and simulating discovery responses.
// Like zeroconf, it closes the entries channel once it has answered.
type MockMDNSResolver struct {
	mu       sync.RWMutex
	services map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		services: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// RegisterService registers a service that will be returned by Browse/Lookup.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
}

// ClearServices removes all registered services.
func (m *MockMDNSResolver) ClearServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = make(map[string][]*zeroconf.ServiceEntry)
}

func (m *MockMDNSResolver) snapshot(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*zeroconf.ServiceEntry(nil), m.services[service]...)
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	defer close(entries)

	for _, entry := range m.snapshot(service) {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	defer close(entries)

	for _, entry := range m.snapshot(service) {
		if entry.Instance != instance {
			continue
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return nil
}

// MockService creates a service entry for testing.
func MockService(serviceType ServiceType, instanceName string, port int, ip net.IP, txt ServiceTXT) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instanceName,
			Service:  serviceType.ServiceString(),
			Domain:   DefaultDomain,
		},
		HostName: instanceName + ".local.",
		Port:     port,
		Text:     txt.Encode(),
	}
	if ip.To4() != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}
