package transport

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultSecurePort is the default coaps port (RFC 7252 Section 6.2).
const DefaultSecurePort = endpoint.DefaultSecurePort

// maxRecordOverhead is the largest header plus tag a record adds.
const maxRecordOverhead = 1 + 255 + 2 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// PSK provides the coaps:// transport over a packet connection, with
// records sealed by keys derived from pre-shared keys. There is no
// handshake: both sides hold the same credentials.PreSharedKey and the
// identity carried in every record selects it.
//
// A session is kept per peer and identity. It moves through keying epochs;
// every epoch has its own record key and its own endpoint.SecureAddress,
// so nothing bound to an old epoch matches the new one.
//
// A record is the identity length (1 byte), the identity, the epoch
// (2 bytes), an XChaCha20-Poly1305 nonce and the sealed message. The
// header is authenticated along with the message.
type PSK struct {
	conn     net.PacketConn
	manager  MessageManager
	keys     *credentials.Map
	resolver Resolver
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	mu       sync.RWMutex
	started  bool
	closed   bool
	sessions map[endpoint.Key]*pskSession
	peers    map[string]*pskSession
}

// pskSession is one keying epoch with a peer.
type pskSession struct {
	remote *endpoint.SecureAddress
	inner  endpoint.Address
	key    credentials.PreSharedKey
	epoch  uint16
	aead   cipher.AEAD
}

// PSKConfig configures the PSK transport.
type PSKConfig struct {
	// Conn carries the records. If nil, a UDP socket is opened on
	// ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on. Ignored if Conn is set.
	ListenAddr string

	// Manager receives inbound messages. Its ClientCredentials select the
	// key of outbound requests by URI. Required.
	Manager MessageManager

	// Credentials resolve the identities of inbound records. If nil, the
	// manager's ClientCredentials are used.
	Credentials *credentials.Map

	// Resolver resolves host names. If nil, DefaultResolver is used.
	Resolver Resolver

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewPSK creates a PSK transport.
func NewPSK(config PSKConfig) (*PSK, error) {
	if config.Manager == nil {
		return nil, ErrNoManager
	}

	p := &PSK{
		conn:     config.Conn,
		manager:  config.Manager,
		keys:     config.Credentials,
		resolver: config.Resolver,
		closeCh:  make(chan struct{}),
		sessions: make(map[endpoint.Key]*pskSession),
		peers:    make(map[string]*pskSession),
	}
	if p.resolver == nil {
		p.resolver = DefaultResolver
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-psk")
	}

	if p.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	return p, nil
}

// Start begins the read loop.
func (p *PSK) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	if p.log != nil {
		p.log.Infof("starting PSK transport on %s", p.conn.LocalAddr())
	}

	p.wg.Add(1)
	go p.readLoop()
	return nil
}

// Shutdown closes the transport and waits for the read loop to exit.
// Calling it again is a no-op.
func (p *PSK) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.sessions = make(map[endpoint.Key]*pskSession)
	p.peers = make(map[string]*pskSession)
	p.mu.Unlock()

	close(p.closeCh)
	p.conn.SetReadDeadline(time.Now())
	err := p.conn.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// LocalAddr returns the local address of the connection.
func (p *PSK) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// DetermineRemote implements Transport. It claims the secure addresses of
// live sessions and coaps requests. A coaps request names its peer by
// URI-Host and URI-Port or by a plain network remote; the session with
// that peer is created on first use, keyed by the credential the manager
// holds for the request URI.
func (p *PSK) DetermineRemote(ctx context.Context, msg *message.Message) (endpoint.Address, error) {
	if sec, ok := msg.Remote.(*endpoint.SecureAddress); ok {
		if s := p.lookup(sec); s != nil {
			return s.remote, nil
		}
		return nil, nil
	}
	if msg.Scheme != SchemeCoAPS {
		return nil, nil
	}

	inner, err := p.innerRemote(ctx, msg)
	if err != nil || inner == nil {
		return nil, err
	}

	creds := p.manager.ClientCredentials()
	if creds == nil {
		return nil, ErrNoCredentials
	}
	uri := endpoint.NewSecureAddress(inner, nil).URI() + msg.Options.Path()
	key, err := creds.Lookup(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, uri)
	}

	if s := p.current(inner, key.Identity); s != nil {
		return s.remote, nil
	}
	s, err := newPSKSession(inner, key, 0)
	if err != nil {
		return nil, err
	}
	return p.install(s).remote, nil
}

func (p *PSK) innerRemote(ctx context.Context, msg *message.Message) (endpoint.Address, error) {
	switch msg.Remote.(type) {
	case *endpoint.UDPAddress, *endpoint.NetAddress:
		return msg.Remote, nil
	case nil:
	default:
		return nil, nil
	}

	host := msg.Options.URIHost
	if host == "" {
		return nil, ErrNoHost
	}
	port := msg.Options.URIPort
	if port == 0 {
		port = DefaultSecurePort
	}
	addr, err := resolveHost(ctx, p.resolver, host)
	if err != nil {
		return nil, err
	}
	return endpoint.NewUDPAddress(netip.AddrPortFrom(addr, port), netip.AddrPort{}), nil
}

// Rekey moves the session behind remote to its next epoch and returns the
// new address. Exchanges and observations bound to the old address no
// longer match, and sending to it fails.
func (p *PSK) Rekey(remote *endpoint.SecureAddress) (*endpoint.SecureAddress, error) {
	s := p.lookup(remote)
	if s == nil {
		return nil, ErrInvalidAddress
	}
	next, err := newPSKSession(s.inner, s.key, s.epoch+1)
	if err != nil {
		return nil, err
	}
	if p.log != nil {
		p.log.Debugf("rekeying %s to epoch %d", remote.HostInfo(), next.epoch)
	}
	return p.install(next).remote, nil
}

// Send implements Transport.
func (p *PSK) Send(msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.mu.RUnlock()

	sec, ok := msg.Remote.(*endpoint.SecureAddress)
	if !ok {
		return ErrInvalidAddress
	}
	s := p.lookup(sec)
	if s == nil {
		return ErrInvalidAddress
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	record, err := s.seal(data)
	if err != nil {
		return err
	}

	var dst net.Addr
	switch inner := s.inner.(type) {
	case *endpoint.UDPAddress:
		dst = inner.UDPAddr()
	case *endpoint.NetAddress:
		dst = inner.NetAddr()
	default:
		return ErrInvalidAddress
	}

	if p.log != nil {
		p.log.Debugf("sending %s (epoch %d)", msg, s.epoch)
	}
	if _, err := p.conn.WriteTo(record, dst); err != nil {
		if p.log != nil {
			p.log.Warnf("send failed: %v", err)
		}
		return err
	}
	return nil
}

func (p *PSK) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, message.MaxDatagramSize+maxRecordOverhead)
	for {
		n, src, err := p.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
				if p.log != nil {
					p.log.Warnf("PSK read error: %v", err)
				}
				continue
			}
		}

		msg, err := p.receive(buf[:n], src)
		if err != nil {
			if p.log != nil {
				p.log.Warnf("dropping %d bytes from %v: %v", n, src, err)
			}
			continue
		}
		if p.log != nil {
			p.log.Debugf("received %s", msg)
		}
		p.manager.DispatchMessage(msg)
	}
}

// receive opens a record. A record on a newer epoch than the current
// session replaces the session once it authenticates.
func (p *PSK) receive(record []byte, src net.Addr) (*message.Message, error) {
	identity, epoch, header, body, err := parseRecord(record)
	if err != nil {
		return nil, err
	}

	inner := endpoint.FromNetAddr(src, nil)
	s := p.current(inner, identity)
	fresh := s == nil || s.epoch != epoch
	if fresh {
		if s != nil && !newerEpoch(epoch, s.epoch) {
			return nil, fmt.Errorf("%w: %d", ErrStaleEpoch, epoch)
		}
		key, err := p.keyFor(identity)
		if err != nil {
			return nil, err
		}
		if s, err = newPSKSession(inner, key, epoch); err != nil {
			return nil, err
		}
	}

	plain, err := s.open(header, body)
	if err != nil {
		return nil, err
	}
	if fresh {
		s = p.install(s)
	}

	msg, err := message.Decode(plain)
	if err != nil {
		return nil, err
	}
	msg.Remote = s.remote
	msg.Scheme = SchemeCoAPS
	return msg, nil
}

func (p *PSK) keyFor(identity []byte) (credentials.PreSharedKey, error) {
	creds := p.keys
	if creds == nil {
		creds = p.manager.ClientCredentials()
	}
	if creds == nil {
		return credentials.PreSharedKey{}, ErrNoCredentials
	}
	key, err := creds.ByIdentity(identity)
	if err != nil {
		return credentials.PreSharedKey{}, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	return key, nil
}

func (p *PSK) lookup(remote *endpoint.SecureAddress) *pskSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[remote.Key()]
}

func (p *PSK) current(inner endpoint.Address, identity []byte) *pskSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peers[peerID(inner, identity)]
}

// install makes s the current session with its peer and retires the
// previous epoch.
func (p *PSK) install(s *pskSession) *pskSession {
	id := peerID(s.inner, s.key.Identity)

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.peers[id]; ok {
		if old.epoch == s.epoch {
			return old
		}
		delete(p.sessions, old.remote.Key())
	}
	p.peers[id] = s
	p.sessions[s.remote.Key()] = s
	return s
}

func peerID(inner endpoint.Address, identity []byte) string {
	return string(inner.Key()) + "|" + string(identity)
}

// newerEpoch compares epochs in serial number arithmetic.
func newerEpoch(a, b uint16) bool {
	return int16(a-b) > 0
}

func newPSKSession(inner endpoint.Address, key credentials.PreSharedKey, epoch uint16) (*pskSession, error) {
	if len(key.Identity) > 255 {
		return nil, fmt.Errorf("%w: identity longer than 255 bytes", ErrNoCredentials)
	}
	epochID, err := key.EpochID(key.Identity, epoch)
	if err != nil {
		return nil, err
	}
	recordKey, err := key.RecordKey(key.Identity, epoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(recordKey)
	if err != nil {
		return nil, err
	}
	return &pskSession{
		remote: endpoint.NewSecureAddress(inner, epochID),
		inner:  inner,
		key:    key,
		epoch:  epoch,
		aead:   aead,
	}, nil
}

func (s *pskSession) seal(data []byte) ([]byte, error) {
	id := s.key.Identity
	out := make([]byte, 0, 3+len(id)+chacha20poly1305.NonceSizeX+len(data)+chacha20poly1305.Overhead)
	out = append(out, byte(len(id)))
	out = append(out, id...)
	out = binary.BigEndian.AppendUint16(out, s.epoch)
	header := out

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, data, header), nil
}

func (s *pskSession) open(header, body []byte) ([]byte, error) {
	nonce, sealed := body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, ErrBadRecord
	}
	return plain, nil
}

// parseRecord splits a record into its identity, epoch, authenticated
// header and nonce-prefixed ciphertext.
func parseRecord(b []byte) (identity []byte, epoch uint16, header, body []byte, err error) {
	if len(b) == 0 {
		return nil, 0, nil, nil, ErrBadRecord
	}
	n := int(b[0])
	if len(b) < 3+n+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, 0, nil, nil, ErrBadRecord
	}
	identity = b[1 : 1+n]
	epoch = binary.BigEndian.Uint16(b[1+n:])
	return identity, epoch, b[:3+n], b[3+n:], nil
}

var _ Transport = (*PSK)(nil)
