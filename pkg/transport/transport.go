// Package transport carries CoAP messages between the exchange engine and
// the network.
//
// A Transport sends encoded messages, resolves the remote of outbound
// requests and hands every inbound message to a MessageManager. The exchange
// engine never touches sockets; it only sees the Transport interface and
// the addresses a transport constructs.
package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
)

// URI schemes.
const (
	SchemeCoAP  = "coap"
	SchemeCoAPS = "coaps"
)

// Transport is a message carrier for one or more URI schemes.
type Transport interface {
	// Send transmits msg to msg.Remote.
	Send(msg *message.Message) error

	// DetermineRemote returns the address msg would be sent to. It returns
	// a nil address and nil error if this transport cannot carry msg. A set
	// msg.Remote is returned unchanged when it belongs to this transport.
	DetermineRemote(ctx context.Context, msg *message.Message) (endpoint.Address, error)

	// Shutdown stops the transport. It is idempotent.
	Shutdown(ctx context.Context) error
}

// MessageManager is the callback surface a transport reports to.
type MessageManager interface {
	// DispatchMessage delivers an inbound message with Remote set.
	DispatchMessage(msg *message.Message)

	// DispatchError reports that remote became unreachable.
	DispatchError(err error, remote endpoint.Address)

	// ClientCredentials returns the credentials secure transports use when
	// establishing security contexts. May be nil.
	ClientCredentials() *credentials.Map
}

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// netResolver resolves through the system resolver.
type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// DefaultResolver uses the system resolver.
var DefaultResolver Resolver = netResolver{}
