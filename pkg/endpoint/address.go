// Package endpoint defines the identity of a remote CoAP participant.
//
// An Address is the correlation key for every piece of per-peer state in
// the exchange engine: deduplication entries, pending exchanges, blockwise
// assemblies and observations. Two addresses that belong to the same
// request/response, blockwise and observation context have the same Key;
// addresses that differ in security epoch never do, even if they share the
// same network address.
//
// Addresses are constructed by transports only. Everything else treats them
// as opaque, immutable values.
package endpoint

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strconv"
)

// Default ports (RFC 7252 Section 6.1, 6.2).
const (
	DefaultPort       = 5683
	DefaultSecurePort = 5684
)

// Key is the comparable identity of an Address. Map lookups on Key replace
// the hash/equality pair of the address.
type Key string

// Address is the identity of a remote participant as seen through one
// transport.
type Address interface {
	// Key returns the identity used for equality and hashing.
	Key() Key

	// HostInfo returns the authority component of URIs for this endpoint.
	HostInfo() string

	// URI returns the base URI (scheme plus HostInfo).
	URI() string

	// IsMulticast returns true if the remote address is a multicast address.
	IsMulticast() bool

	// IsMulticastLocally returns true if the local address the message was
	// received on is a multicast address.
	IsMulticastLocally() bool
}

// Equal reports whether two addresses denote the same conversation peer.
// A nil address equals only another nil address.
func Equal(a, b Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// UDPAddress is a plain datagram peer. The local address is remembered so
// replies leave from the interface the request arrived on, but it is not
// part of the identity: it is unknown when the first request is sent.
type UDPAddress struct {
	remote netip.AddrPort
	local  netip.AddrPort
}

// NewUDPAddress creates an address for a datagram peer. local may be the
// zero AddrPort when unknown.
func NewUDPAddress(remote, local netip.AddrPort) *UDPAddress {
	return &UDPAddress{
		remote: netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		local:  local,
	}
}

// Key implements Address.
func (a *UDPAddress) Key() Key {
	return Key("udp|" + a.remote.String())
}

// HostInfo implements Address.
func (a *UDPAddress) HostInfo() string {
	return hostInfo(a.remote, DefaultPort)
}

// URI implements Address.
func (a *UDPAddress) URI() string {
	return "coap://" + a.HostInfo()
}

// IsMulticast implements Address.
func (a *UDPAddress) IsMulticast() bool {
	return a.remote.Addr().IsMulticast()
}

// IsMulticastLocally implements Address.
func (a *UDPAddress) IsMulticastLocally() bool {
	return a.local.IsValid() && a.local.Addr().IsMulticast()
}

// Remote returns the peer's network address.
func (a *UDPAddress) Remote() netip.AddrPort {
	return a.remote
}

// Local returns the local address the peer was seen on, if known.
func (a *UDPAddress) Local() netip.AddrPort {
	return a.local
}

// UDPAddr returns the remote address for net.PacketConn.WriteTo.
func (a *UDPAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.remote)
}

// String returns the host info.
func (a *UDPAddress) String() string {
	return a.HostInfo()
}

// SecureAddress is a peer reached through a security context. The epoch
// identifier changes whenever the context is re-keyed, so two addresses
// on different epochs never compare equal (RFC 7252 Section 9.1.2).
type SecureAddress struct {
	inner   Address
	epochID []byte
}

// NewSecureAddress wraps the address a security context is routed over.
// epochID must uniquely identify the keying epoch.
func NewSecureAddress(inner Address, epochID []byte) *SecureAddress {
	return &SecureAddress{
		inner:   inner,
		epochID: append([]byte(nil), epochID...),
	}
}

// Key implements Address.
func (a *SecureAddress) Key() Key {
	return Key("sec|" + string(a.inner.Key()) + "|" + hex.EncodeToString(a.epochID))
}

// HostInfo implements Address. The port is omitted when it is the coaps
// default.
func (a *SecureAddress) HostInfo() string {
	if udp, ok := a.inner.(*UDPAddress); ok {
		return hostInfo(udp.remote, DefaultSecurePort)
	}
	return a.inner.HostInfo()
}

// URI implements Address.
func (a *SecureAddress) URI() string {
	return "coaps://" + a.HostInfo()
}

// IsMulticast implements Address. Security contexts are unicast.
func (a *SecureAddress) IsMulticast() bool {
	return false
}

// IsMulticastLocally implements Address.
func (a *SecureAddress) IsMulticastLocally() bool {
	return false
}

// Inner returns the address the security context is routed over.
func (a *SecureAddress) Inner() Address {
	return a.inner
}

// EpochID returns the keying epoch identifier.
func (a *SecureAddress) EpochID() []byte {
	return append([]byte(nil), a.epochID...)
}

// NetAddress is a peer on a non-IP packet network (e.g. an in-memory pipe).
type NetAddress struct {
	network string
	addr    string
	netAddr net.Addr
}

// FromNetAddr converts a packet source into an Address. UDP sources become
// UDPAddress values; anything else becomes a NetAddress. local may be nil.
func FromNetAddr(remote, local net.Addr) Address {
	if udp, ok := remote.(*net.UDPAddr); ok {
		var localAP netip.AddrPort
		if l, ok := local.(*net.UDPAddr); ok {
			localAP = l.AddrPort()
		}
		return NewUDPAddress(udp.AddrPort(), localAP)
	}
	return &NetAddress{
		network: remote.Network(),
		addr:    remote.String(),
		netAddr: remote,
	}
}

// Key implements Address.
func (a *NetAddress) Key() Key {
	return Key(a.network + "|" + a.addr)
}

// HostInfo implements Address.
func (a *NetAddress) HostInfo() string {
	return a.addr
}

// URI implements Address.
func (a *NetAddress) URI() string {
	return "coap://" + a.addr
}

// IsMulticast implements Address.
func (a *NetAddress) IsMulticast() bool {
	return false
}

// IsMulticastLocally implements Address.
func (a *NetAddress) IsMulticastLocally() bool {
	return false
}

// NetAddr returns the underlying network address.
func (a *NetAddress) NetAddr() net.Addr {
	return a.netAddr
}

// hostInfo formats an authority, omitting the scheme's default port.
func hostInfo(ap netip.AddrPort, defaultPort uint16) string {
	addr := ap.Addr()
	host := addr.String()
	if addr.Is6() {
		host = "[" + host + "]"
	}
	if ap.Port() == defaultPort {
		return host
	}
	return host + ":" + strconv.Itoa(int(ap.Port()))
}
