package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = endpoint.DefaultPort

// All-CoAP-Nodes multicast groups (RFC 7252 Section 12.8).
var (
	AllCoAPNodesIPv4     = netip.MustParseAddr("224.0.1.187")
	AllCoAPNodesIPv6Link = netip.MustParseAddr("ff02::fd")
	AllCoAPNodesIPv6Site = netip.MustParseAddr("ff05::fd")
)

// UDP provides the coap:// transport over UDP.
// It wraps a net.PacketConn and runs a read loop that decodes each datagram
// and dispatches it to the MessageManager.
//
// On real UDP sockets the destination address of each datagram is read from
// IP control messages, so requests that arrived via multicast are reported
// as such and unicast replies leave from the address they were sent to.
type UDP struct {
	conn     net.PacketConn
	p4       *ipv4.PacketConn
	p6       *ipv6.PacketConn
	manager  MessageManager
	resolver Resolver
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Conn is provided.
	ListenAddr string

	// Manager receives inbound messages and errors.
	// Required.
	Manager MessageManager

	// Resolver resolves host names of outbound requests.
	// If nil, DefaultResolver is used.
	Resolver Resolver

	// MulticastGroups are joined on MulticastInterface (or the system
	// default interface if nil). Only used with real UDP sockets.
	MulticastGroups []netip.Addr

	// MulticastInterface is the interface multicast groups are joined on.
	MulticastInterface *net.Interface

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Manager == nil {
		return nil, ErrNoManager
	}

	u := &UDP{
		conn:     config.Conn,
		manager:  config.Manager,
		resolver: config.Resolver,
		closeCh:  make(chan struct{}),
	}
	if u.resolver == nil {
		u.resolver = DefaultResolver
	}

	// Create logger
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	// Create connection if not provided
	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0" // Use ephemeral port
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	u.setupControlMessages()

	for _, group := range config.MulticastGroups {
		if err := u.joinGroup(config.MulticastInterface, group); err != nil {
			u.conn.Close()
			return nil, fmt.Errorf("joining %s: %w", group, err)
		}
	}

	return u, nil
}

// setupControlMessages enables destination address reporting on real UDP
// sockets. Platforms without support fall back to plain reads.
func (u *UDP) setupControlMessages() {
	udpConn, ok := u.conn.(*net.UDPConn)
	if !ok {
		return
	}
	local, ok := udpConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return
	}

	if local.IP.To4() != nil && !local.IP.IsUnspecified() {
		p4 := ipv4.NewPacketConn(udpConn)
		if err := p4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			if u.log != nil {
				u.log.Debugf("IPv4 control messages unavailable: %v", err)
			}
			return
		}
		u.p4 = p4
		return
	}

	// Unspecified and IPv6 sockets are dual-stack; IPv4 traffic arrives as
	// mapped addresses.
	p6 := ipv6.NewPacketConn(udpConn)
	if err := p6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
		if u.log != nil {
			u.log.Debugf("IPv6 control messages unavailable: %v", err)
		}
		return
	}
	u.p6 = p6
}

func (u *UDP) joinGroup(ifi *net.Interface, group netip.Addr) error {
	if _, ok := u.conn.(*net.UDPConn); !ok {
		return ErrInvalidAddress
	}
	addr := &net.UDPAddr{IP: group.AsSlice()}
	if group.Is4() {
		p4 := u.p4
		if p4 == nil {
			p4 = ipv4.NewPacketConn(u.conn)
		}
		return p4.JoinGroup(ifi, addr)
	}
	p6 := u.p6
	if p6 == nil {
		p6 = ipv6.NewPacketConn(u.conn)
	}
	return p6.JoinGroup(ifi, addr)
}

// Start begins the read loop for receiving messages.
// Messages are delivered to the configured MessageManager.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Shutdown closes the transport and waits for the read loop to exit.
// Calling it again is a no-op.
func (u *UDP) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	close(u.closeCh)

	// Set a short deadline to unblock any pending reads
	u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return err
}

// Send encodes msg and sends it to msg.Remote.
func (u *UDP) Send(msg *message.Message) error {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return ErrClosed
	}
	u.mu.RUnlock()

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}

	if u.log != nil {
		u.log.Debugf("sending %s", msg)
	}

	switch remote := msg.Remote.(type) {
	case *endpoint.UDPAddress:
		err = u.writeUDP(data, remote)
	case *endpoint.NetAddress:
		_, err = u.conn.WriteTo(data, remote.NetAddr())
	default:
		return ErrInvalidAddress
	}

	if err != nil && u.log != nil {
		u.log.Warnf("send failed: %v", err)
	}
	return err
}

// writeUDP sends from the local address the peer used to reach us, unless
// that was a multicast group.
func (u *UDP) writeUDP(data []byte, remote *endpoint.UDPAddress) error {
	dst := remote.UDPAddr()
	local := remote.Local().Addr()

	if local.IsValid() && !local.IsMulticast() && !local.IsUnspecified() {
		switch {
		case u.p4 != nil && local.Is4():
			_, err := u.p4.WriteTo(data, &ipv4.ControlMessage{Src: local.AsSlice()}, dst)
			return err
		case u.p6 != nil:
			src := local.As16()
			_, err := u.p6.WriteTo(data, &ipv6.ControlMessage{Src: net.IP(src[:])}, dst)
			return err
		}
	}

	_, err := u.conn.WriteTo(data, dst)
	return err
}

// DetermineRemote implements Transport. Requests for coap:// are resolved
// from Uri-Host and Uri-Port; host names go through the Resolver.
func (u *UDP) DetermineRemote(ctx context.Context, msg *message.Message) (endpoint.Address, error) {
	if msg.Scheme != "" && msg.Scheme != SchemeCoAP {
		return nil, nil
	}

	if msg.Remote != nil {
		switch msg.Remote.(type) {
		case *endpoint.UDPAddress, *endpoint.NetAddress:
			return msg.Remote, nil
		default:
			return nil, nil
		}
	}

	host := msg.Options.URIHost
	if host == "" {
		return nil, ErrNoHost
	}
	port := msg.Options.URIPort
	if port == 0 {
		port = DefaultPort
	}

	addr, err := resolveHost(ctx, u.resolver, host)
	if err != nil {
		return nil, err
	}
	return endpoint.NewUDPAddress(netip.AddrPortFrom(addr, port), netip.AddrPort{}), nil
}

// resolveHost parses an IP literal or looks the name up.
func resolveHost(ctx context.Context, resolver Resolver, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	return addrs[0], nil
}

// LocalAddr returns the local address the transport is listening on.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// readLoop reads datagrams from the connection and dispatches them.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, message.MaxDatagramSize)

	for {
		select {
		case <-u.closeCh:
			return
		default:
		}

		n, src, dst, err := u.readFrom(buf)
		if err != nil {
			// Check if we're shutting down
			select {
			case <-u.closeCh:
				return
			default:
				if u.log != nil {
					u.log.Warnf("UDP read error: %v", err)
				}
				continue
			}
		}

		if n == 0 {
			continue
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			if u.log != nil {
				u.log.Warnf("dropping %d bytes from %v: %v", n, src, err)
			}
			continue
		}
		msg.Remote = endpoint.FromNetAddr(src, dst)
		msg.Scheme = SchemeCoAP

		if u.log != nil {
			u.log.Debugf("received %s", msg)
		}

		u.manager.DispatchMessage(msg)
	}
}

// readFrom reads one datagram. dst is the local address it was sent to, or
// the socket address when control messages are unavailable.
func (u *UDP) readFrom(buf []byte) (int, net.Addr, net.Addr, error) {
	local := u.conn.LocalAddr()

	switch {
	case u.p4 != nil:
		n, cm, src, err := u.p4.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		var dst net.IP
		if cm != nil {
			dst = cm.Dst
		}
		return n, src, withDst(local, dst), nil

	case u.p6 != nil:
		n, cm, src, err := u.p6.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, err
		}
		var dst net.IP
		if cm != nil {
			dst = cm.Dst
		}
		return n, src, withDst(local, dst), nil

	default:
		n, src, err := u.conn.ReadFrom(buf)
		return n, src, local, err
	}
}

// withDst replaces the IP of the socket address by the datagram's
// destination when known.
func withDst(local net.Addr, dst net.IP) net.Addr {
	udp, ok := local.(*net.UDPAddr)
	if !ok || dst == nil {
		return local
	}
	return &net.UDPAddr{IP: dst, Port: udp.Port, Zone: udp.Zone}
}
