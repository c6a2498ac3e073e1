package blockwise

import (
	"errors"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultIdleTimeout is how long an assembly waits for its next block
// (EXCHANGE_LIFETIME, RFC 7252 Section 4.8.2).
const DefaultIdleTimeout = 247 * time.Second

// Key identifies one transfer: the peer plus what the transfer is about.
type Key struct {
	Remote   endpoint.Key
	Transfer string
}

// RequestKey keys a server-side Block1 transfer by method, path and query,
// since every block of an upload is a new request with a fresh token.
func RequestKey(req *message.Message) Key {
	var sb strings.Builder
	sb.WriteString(req.Code.String())
	sb.WriteByte(' ')
	sb.WriteString(req.Options.Path())
	if len(req.Options.URIQuery) > 0 {
		sb.WriteByte('?')
		sb.WriteString(strings.Join(req.Options.URIQuery, "&"))
	}
	return Key{Remote: req.Remote.Key(), Transfer: sb.String()}
}

// TokenKey keys a client-side Block2 download by the request token.
func TokenKey(remote endpoint.Address, token []byte) Key {
	return Key{Remote: remote.Key(), Transfer: "token:" + string(token)}
}

// AbortFunc is called when an assembly is dropped before completion,
// either because it went idle or because its peer was aborted.
type AbortFunc func(key Key, err error)

type entry struct {
	asm     *Assembly
	onAbort AbortFunc
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Scheduler runs the idle timers. Timer callbacks must run on the same
	// goroutine as the coordinator's other methods.
	Scheduler eventloop.Scheduler

	// IdleTimeout aborts an assembly that receives no block for this long.
	// If zero, DefaultIdleTimeout is used.
	IdleTimeout time.Duration

	// MaxSize bounds assembled payloads. Zero means unbounded.
	MaxSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Coordinator tracks the inbound assemblies of a context.
//
// Not safe for concurrent use; it is owned by the context's event loop.
type Coordinator struct {
	config     CoordinatorConfig
	assemblies map[Key]*entry
	log        logging.LeveledLogger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	c := &Coordinator{
		config:     config,
		assemblies: make(map[Key]*entry),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("blockwise")
	}
	return c
}

// Add feeds the block b carried by msg into the assembly for key.
//
// Block 0 starts a new assembly, replacing any unfinished one. Other blocks
// must continue an existing assembly. The assembly is returned once it is
// complete and is then forgotten; while incomplete Add returns nil. Errors
// abort the assembly.
func (c *Coordinator) Add(key Key, msg *message.Message, b message.Block, onAbort AbortFunc) (*Assembly, error) {
	e, ok := c.assemblies[key]
	if b.Num == 0 {
		if ok {
			if c.log != nil {
				c.log.Debugf("restarting transfer %s from %s", key.Transfer, key.Remote)
			}
			c.drop(key, e)
		}
		e = &entry{asm: NewAssembly(c.config.MaxSize), onAbort: onAbort}
		e.asm.Request = msg
		c.assemblies[key] = e
	} else if !ok {
		return nil, ErrProtocolViolation
	}

	complete, err := e.asm.Add(b, msg.Payload)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("aborting transfer %s from %s: %v", key.Transfer, key.Remote, err)
		}
		c.drop(key, e)
		return nil, err
	}
	if complete {
		c.drop(key, e)
		return e.asm, nil
	}

	c.armIdleTimer(key, e)
	return nil, nil
}

func (c *Coordinator) armIdleTimer(key Key, e *entry) {
	if c.config.Scheduler == nil {
		return
	}
	if e.asm.timer != nil {
		e.asm.timer.Stop()
	}
	e.asm.timer = c.config.Scheduler.AfterFunc(c.config.IdleTimeout, func() {
		if c.assemblies[key] != e {
			return
		}
		if c.log != nil {
			c.log.Debugf("transfer %s from %s idle", key.Transfer, key.Remote)
		}
		c.drop(key, e)
		if e.onAbort != nil {
			e.onAbort(key, ErrIdleTimeout)
		}
	})
}

func (c *Coordinator) drop(key Key, e *entry) {
	if e.asm.timer != nil {
		e.asm.timer.Stop()
		e.asm.timer = nil
	}
	if c.assemblies[key] == e {
		delete(c.assemblies, key)
	}
}

// Get returns the unfinished assembly for key, if any.
func (c *Coordinator) Get(key Key) *Assembly {
	if e, ok := c.assemblies[key]; ok {
		return e.asm
	}
	return nil
}

// Abort drops the assembly for key without calling its abort callback.
func (c *Coordinator) Abort(key Key) bool {
	e, ok := c.assemblies[key]
	if !ok {
		return false
	}
	c.drop(key, e)
	return true
}

// AbortRemote drops every assembly of remote and reports ErrAborted to
// their callbacks. Returns the number dropped.
func (c *Coordinator) AbortRemote(remote endpoint.Key) int {
	var aborted []*entry
	var keys []Key
	for key, e := range c.assemblies {
		if key.Remote == remote {
			aborted = append(aborted, e)
			keys = append(keys, key)
		}
	}
	for i, e := range aborted {
		c.drop(keys[i], e)
		if e.onAbort != nil {
			e.onAbort(keys[i], ErrAborted)
		}
	}
	return len(aborted)
}

// Count returns the number of unfinished assemblies.
func (c *Coordinator) Count() int {
	return len(c.assemblies)
}

// Clear drops every assembly and reports ErrAborted to their callbacks.
func (c *Coordinator) Clear() {
	for key, e := range c.assemblies {
		c.drop(key, e)
		if e.onAbort != nil {
			e.onAbort(key, ErrAborted)
		}
	}
}

// ReceiveRequest runs the server side of a Block1 upload.
//
// Requests without Block1 are returned as is. For a block that does not
// finish the upload, reply is the 2.31 Continue to send back. Once the
// final block arrived, assembled is a copy of the first block's request
// carrying the whole payload and the final Block1 option, which the
// response must echo. Blocks that cannot be assembled produce a 4.08 or
// 4.13 reply.
func (c *Coordinator) ReceiveRequest(req *message.Message) (assembled, reply *message.Message) {
	b1 := req.Options.Block1
	if b1 == nil {
		return req, nil
	}

	key := RequestKey(req)
	asm, err := c.Add(key, req, *b1, nil)
	switch {
	case errors.Is(err, ErrTooLarge):
		reply = message.NewResponse(req, message.RequestEntityTooLarge)
		reply.Options.SetSize1(uint32(c.config.MaxSize))
		return nil, reply
	case err != nil:
		reply = message.NewResponse(req, message.RequestEntityIncomplete)
		reply.Payload = []byte(err.Error())
		return nil, reply
	case asm == nil:
		reply = message.NewResponse(req, message.Continue)
		reply.Options.SetBlock1(*b1)
		return nil, reply
	}

	assembled = asm.Request.Copy()
	// Later blocks may carry a fresher token and message ID.
	assembled.Token = append([]byte(nil), req.Token...)
	assembled.MessageID = req.MessageID
	assembled.Type = req.Type
	assembled.Remote = req.Remote
	assembled.Payload = append([]byte(nil), asm.Payload()...)
	assembled.Options.SetBlock1(*b1)
	return assembled, nil
}

// EchoBlock1 copies the final Block1 option of an assembled request into
// its response (RFC 7959 Section 2.3).
func EchoBlock1(req, resp *message.Message) {
	if req.Options.Block1 != nil {
		resp.Options.SetBlock1(*req.Options.Block1)
	}
}

// CutResponse returns the part of resp that answers req.
//
// If req asks for a Block2 block, that block is cut out, in the smaller of
// the requested size and size. Otherwise a payload larger than size is cut
// to its first block. Block 0 carries Size2 with the full length. resp is
// not modified.
func CutResponse(req, resp *message.Message, size int) (*message.Message, error) {
	szx, err := message.SZXForSize(size)
	if err != nil {
		return nil, err
	}

	want := req.Options.Block2
	if want == nil && !NeedsBlockwise(resp.Payload, size) {
		return resp, nil
	}

	var num uint32
	if want != nil {
		reduced := want.Reduce(szx)
		num, szx = reduced.Num, reduced.SZX
	}

	b, data, err := Block(resp.Payload, num, szx)
	if err != nil {
		return nil, err
	}

	out := resp.Copy()
	out.Payload = append([]byte(nil), data...)
	out.Options.SetBlock2(b)
	if b.Num == 0 {
		out.Options.SetSize2(uint32(len(resp.Payload)))
	}
	return out, nil
}
