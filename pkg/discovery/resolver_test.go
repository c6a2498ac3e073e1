package discovery

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

type fixedResolver []netip.Addr

func (f fixedResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return f, nil
}

func newTestResolver() (*Resolver, *MockMDNSResolver) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceCoAP, MockService(ServiceTypeCoAP, "sensor", 5683, net.ParseIP("192.0.2.7"), ServiceTXT{Path: "/status", Observable: true}))
	mock.RegisterService(ServiceCoAP, MockService(ServiceTypeCoAP, "lamp", 61616, net.ParseIP("2001:db8::9"), ServiceTXT{}))

	r := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		Fallback:      fixedResolver{netip.MustParseAddr("198.51.100.1")},
		LookupTimeout: time.Second,
		BrowseTimeout: time.Second,
	})
	return r, mock
}

func TestResolver_Lookup(t *testing.T) {
	r, _ := newTestResolver()
	ctx := context.Background()

	svc, err := r.Lookup(ctx, ServiceTypeCoAP, "lamp")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got, want := svc.AddrPort(), netip.MustParseAddrPort("[2001:db8::9]:61616"); got != want {
		t.Errorf("AddrPort() = %v, want %v", got, want)
	}

	svc, err = r.Lookup(ctx, ServiceTypeCoAP, "sensor")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if svc.TXT == nil || svc.TXT.Path != "/status" || !svc.TXT.Observable {
		t.Errorf("TXT = %+v, want path /status and observable", svc.TXT)
	}

	if _, err := r.Lookup(ctx, ServiceTypeCoAP, "missing"); err != ErrServiceNotFound {
		t.Errorf("Lookup(missing) error = %v, want %v", err, ErrServiceNotFound)
	}
	if _, err := r.Lookup(ctx, ServiceTypeUnknown, "sensor"); err != ErrInvalidServiceType {
		t.Errorf("Lookup(Unknown) error = %v, want %v", err, ErrInvalidServiceType)
	}
}

func TestResolver_Browse(t *testing.T) {
	r, _ := newTestResolver()

	results, err := r.Browse(context.Background(), ServiceTypeCoAP)
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}

	found := make(map[string]bool)
	for svc := range results {
		found[svc.InstanceName] = true
	}
	if !found["sensor"] || !found["lamp"] || len(found) != 2 {
		t.Errorf("Browse() found %v, want sensor and lamp", found)
	}
}

func TestResolver_LookupHost(t *testing.T) {
	r, _ := newTestResolver()
	ctx := context.Background()

	addrs, err := r.LookupHost(ctx, "sensor.local")
	if err != nil {
		t.Fatalf("LookupHost() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("192.0.2.7") {
		t.Errorf("LookupHost() = %v, want [192.0.2.7]", addrs)
	}

	if _, err := r.LookupHost(ctx, "missing.local"); err != transport.ErrHostNotFound {
		t.Errorf("LookupHost(missing) error = %v, want %v", err, transport.ErrHostNotFound)
	}

	addrs, err = r.LookupHost(ctx, "coap.example.com")
	if err != nil {
		t.Fatalf("LookupHost(fallback) error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("198.51.100.1") {
		t.Errorf("LookupHost(fallback) = %v, want [198.51.100.1]", addrs)
	}
}

func TestResolver_WithUDPTransport(t *testing.T) {
	r, _ := newTestResolver()

	u, err := transport.NewUDP(transport.UDPConfig{
		ListenAddr: "127.0.0.1:0",
		Manager:    nopManager{},
		Resolver:   r,
	})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}
	defer u.Shutdown(context.Background())

	msg := newGetTo("sensor.local")
	remote, err := u.DetermineRemote(context.Background(), msg)
	if err != nil {
		t.Fatalf("DetermineRemote() error = %v", err)
	}
	if got := remote.HostInfo(); got != "192.0.2.7" {
		t.Errorf("HostInfo() = %q, want %q", got, "192.0.2.7")
	}
}

type nopManager struct{}

func (nopManager) DispatchMessage(msg *message.Message)              {}
func (nopManager) DispatchError(err error, remote endpoint.Address) {}
func (nopManager) ClientCredentials() *credentials.Map              { return nil }

func newGetTo(host string) *message.Message {
	msg := &message.Message{Type: message.Confirmable, Code: message.GET}
	msg.Options.URIHost = host
	return msg
}
