package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// Impairment describes how a Pipe mistreats datagrams. Rates are
// probabilities between 0 and 1 and apply to both directions.
type Impairment struct {
	DropRate      float64
	DuplicateRate float64
}

// Pipe is an in-memory datagram link with two ends, 0 and 1, built on
// test.Bridge. Written datagrams queue in the bridge until they are
// delivered, either by a background ticker or by Flush.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*PipeConn

	mu     sync.Mutex
	imp    Impairment
	rng    *rand.Rand
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewPipe creates a pipe. Unless manual is set, queued datagrams are
// delivered every millisecond.
func NewPipe(manual bool) *Pipe {
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:   make(chan struct{}),
	}
	p.ends[0] = &PipeConn{Conn: p.bridge.GetConn0(), pipe: p, id: 0}
	p.ends[1] = &PipeConn{Conn: p.bridge.GetConn1(), pipe: p, id: 1}

	if !manual {
		p.wg.Add(1)
		go p.deliver()
	}
	return p
}

func (p *Pipe) deliver() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// End returns end 0 or 1.
func (p *Pipe) End(id int) *PipeConn {
	return p.ends[id]
}

// Flush hands queued datagrams to waiting readers until none can move and
// returns how many moved.
func (p *Pipe) Flush() int {
	total := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return total
		}
		total += n
	}
}

// Impair replaces the impairment of the pipe.
func (p *Pipe) Impair(imp Impairment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imp = imp
}

// Reverse holds back the next n datagrams written at end id and releases
// them in reverse order once the last one was written. Each end can be
// reversed once.
func (p *Pipe) Reverse(id, n int) {
	p.bridge.ReorderNextNWrites(id, n)
}

// fate decides what happens to the next datagram.
func (p *Pipe) fate() (drop, duplicate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.imp.DropRate > 0 && p.rng.Float64() < p.imp.DropRate {
		return true, false
	}
	return false, p.imp.DuplicateRate > 0 && p.rng.Float64() < p.imp.DuplicateRate
}

// Close stops delivery and closes both ends. Blocked readers return.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()

	err := errors.Join(p.ends[0].Conn.Close(), p.ends[1].Conn.Close())
	p.bridge.Tick()
	return err
}

// PipeAddr is the address of a pipe end.
type PipeAddr int

// Network implements net.Addr.
func (a PipeAddr) Network() string { return "pipe" }

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", int(a)) }

// PipeConn is one end of a Pipe. Whatever address a datagram is written
// to, it arrives at the other end.
type PipeConn struct {
	net.Conn
	pipe *Pipe
	id   int
}

// ReadFrom implements net.PacketConn.
func (c *PipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Read(b)
	return n, PipeAddr(1 - c.id), err
}

// WriteTo implements net.PacketConn.
func (c *PipeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	drop, duplicate := c.pipe.fate()
	if drop {
		return len(b), nil
	}
	if duplicate {
		if _, err := c.Write(b); err != nil {
			return 0, err
		}
	}
	return c.Write(b)
}

// LocalAddr implements net.PacketConn.
func (c *PipeConn) LocalAddr() net.Addr {
	return PipeAddr(c.id)
}

var _ net.PacketConn = (*PipeConn)(nil)

// PipeUDPConfig configures a PipeUDPPair.
type PipeUDPConfig struct {
	// Managers receive the messages of each side. Managers[0] serves
	// Transport(0).
	Managers [2]MessageManager

	// Manual disables background delivery; call Pipe().Flush.
	Manual bool

	// LoggerFactory is passed to both transports.
	LoggerFactory logging.LoggerFactory
}

// PipeUDPPair is two started UDP transports joined by a Pipe.
//
//	pair, _ := transport.NewPipeUDPPair(transport.PipeUDPConfig{
//	    Managers: [2]transport.MessageManager{server, client},
//	})
//	req.Remote = pair.PeerAddress(0)
//	pair.Transport(1).Send(req)
type PipeUDPPair struct {
	transports [2]*UDP
	pipe       *Pipe
}

// NewPipeUDPPair creates and starts both transports.
func NewPipeUDPPair(config PipeUDPConfig) (*PipeUDPPair, error) {
	pair := &PipeUDPPair{pipe: NewPipe(config.Manual)}

	for i := range pair.transports {
		udp, err := NewUDP(UDPConfig{
			Conn:          pair.pipe.End(i),
			Manager:       config.Managers[i],
			LoggerFactory: config.LoggerFactory,
		})
		if err == nil {
			pair.transports[i] = udp
			err = udp.Start()
		}
		if err != nil {
			pair.Close()
			return nil, err
		}
	}
	return pair, nil
}

// Transport returns transport 0 or 1.
func (p *PipeUDPPair) Transport(id int) *UDP {
	return p.transports[id]
}

// PeerAddress returns the address under which transport id is reached
// from the other side.
func (p *PipeUDPPair) PeerAddress(id int) endpoint.Address {
	return endpoint.FromNetAddr(PipeAddr(id), nil)
}

// Pipe returns the link between the transports.
func (p *PipeUDPPair) Pipe() *Pipe {
	return p.pipe
}

// Close shuts both transports down and closes the pipe.
func (p *PipeUDPPair) Close() error {
	for _, t := range p.transports {
		if t != nil {
			t.Shutdown(context.Background())
		}
	}
	p.pipe.Close()
	return nil
}
