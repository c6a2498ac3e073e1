package coap

import (
	"sync"

	"github.com/backkem/coap/pkg/blockwise"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
)

// Request is an outbound request and everything that follows from it:
// retransmission, blockwise continuation and, for observe registrations,
// the stream of notifications.
type Request struct {
	c           *Context
	msg         *message.Message
	response    *exchange.Result
	observation *Observation

	// Loop-owned.
	remote    endpoint.Address
	token     []byte
	ex        *exchange.Exchange
	sender    *blockwise.Sender
	download  *blockwise.Key
	timer     eventloop.Timer
	freshness observe.Freshness
	multicast bool
	finished  bool
}

// Request sends msg and returns a handle to its outcome.
//
// The remote is determined by the context's transports from msg.Remote or
// from Uri-Host, Uri-Port and Scheme. A token is assigned unless msg has
// one. Payloads larger than the block size are uploaded with Block1, and
// Block2 responses are fetched completely before the response resolves.
// Requests to a multicast address are sent Non-confirmable and the first
// response wins.
//
// A GET or FETCH with Observe set to 0 also opens an Observation: the
// first response resolves Response, later notifications are delivered by
// Observation.
func (c *Context) Request(msg *message.Message) *Request {
	r := &Request{
		c:        c,
		msg:      msg.Copy(),
		response: exchange.NewResult(),
	}
	if isObserveRegistration(msg) {
		r.observation = newObservation(r)
	}

	switch state := c.State(); {
	case state == ContextStateInitialized:
		r.abandon(ErrNotOpen)
		return r
	case !state.IsRunning():
		r.abandon(ErrShutdown)
		return r
	}

	go r.resolve()
	return r
}

// Response returns the result the response resolves.
func (r *Request) Response() *exchange.Result {
	return r.response
}

// Observation returns the notifications of an observe registration, or
// nil for other requests.
func (r *Request) Observation() *Observation {
	return r.observation
}

// Cancel abandons the request. Response fails with exchange.ErrCancelled
// unless it already resolved. An observation is ended locally; the server
// learns about it from the RST its next notification receives.
func (r *Request) Cancel() {
	if !r.c.loop.Post(r.cancel) {
		r.abandon(exchange.ErrCancelled)
	}
}

func (r *Request) cancel() {
	if r.finished {
		return
	}
	r.response.Fail(exchange.ErrCancelled)
	if r.observation != nil {
		r.observation.end(exchange.ErrCancelled)
	}
	r.finish()
}

// abandon resolves the request without touching loop state.
func (r *Request) abandon(err error) {
	r.response.Fail(err)
	if r.observation != nil {
		r.observation.end(err)
	}
}

// resolve determines the remote off the loop, since name resolution may
// block.
func (r *Request) resolve() {
	remote, err := r.c.transports.DetermineRemote(r.c.renderCtx, r.msg)
	if !r.c.loop.Post(func() { r.start(remote, err) }) {
		r.abandon(ErrShutdown)
	}
}

func (r *Request) start(remote endpoint.Address, err error) {
	c := r.c
	if r.finished {
		return
	}
	if !c.State().IsRunning() {
		r.finished = true
		r.abandon(ErrShutdown)
		return
	}
	if err != nil {
		r.fail(err)
		return
	}

	if len(r.msg.Token) == 0 {
		r.msg.Token = c.newToken()
	}
	if _, ok := c.requests[string(r.msg.Token)]; ok {
		r.fail(ErrTokenInUse)
		return
	}
	r.token = r.msg.Token
	r.remote = remote
	r.msg.Remote = remote
	c.requests[string(r.token)] = r

	if remote.IsMulticast() {
		r.multicast = true
		r.msg.Type = message.NonConfirmable
	}

	if blockwise.NeedsBlockwise(r.msg.Payload, c.config.BlockSize) {
		s, err := blockwise.NewSender(r.msg.Payload, c.config.BlockSize)
		if err != nil {
			r.fail(err)
			return
		}
		r.sender = s
	}

	if c.log != nil {
		c.log.Debugf("request %s %s to %s", r.msg.Code, r.msg.Options.Path(), remote.HostInfo())
	}
	r.send(r.uploadMessage())

	// Non-confirmable requests have no exchange that could time out.
	if r.msg.Type == message.NonConfirmable && !r.finished {
		r.timer = c.loop.AfterFunc(c.config.Params.MaxTransmitWait(), func() {
			if !r.response.Resolved() {
				r.fail(exchange.ErrTimeout)
			}
		})
	}
}

// uploadMessage builds the next message to send: the request itself, or
// the current Block1 block of it.
func (r *Request) uploadMessage() *message.Message {
	m := r.msg.Copy()
	if r.sender == nil {
		return m
	}

	b, data := r.sender.Current()
	m.Payload = append([]byte(nil), data...)
	m.Options.SetBlock1(b)
	if b.Num == 0 {
		m.Options.SetSize1(uint32(r.sender.Size()))
	}
	return m
}

func (r *Request) send(m *message.Message) {
	ex, err := r.c.exchange.Send(m, r.onOutcome)
	if err != nil {
		r.fail(err)
		return
	}
	r.ex = ex
}

// onOutcome receives the ACK, RST or failure of a Confirmable request.
func (r *Request) onOutcome(ack *message.Message, err error) {
	if r.finished {
		return
	}
	if err != nil {
		r.fail(err)
		return
	}
	if ack.IsEmpty() {
		// The response follows separately.
		return
	}
	r.handleResponse(ack)
}

// handleResponse matches a separate response to its request.
func (c *Context) handleResponse(msg *message.Message) {
	r := c.requests[msg.TokenKey()]
	if r == nil || (!r.multicast && !endpoint.Equal(r.remote, msg.Remote)) {
		if c.log != nil {
			c.log.Debugf("unmatched response %s", msg)
		}
		// Rejecting a notification ends the observation at the server.
		if msg.Type == message.Confirmable || msg.Options.Observe != nil {
			c.exchange.Reject(msg)
		}
		return
	}

	c.exchange.Acknowledge(msg)
	// A response implies the request arrived, even if the ACK got lost.
	c.exchange.Cancel(r.ex)
	r.handleResponse(msg)
}

func (r *Request) handleResponse(resp *message.Message) {
	c := r.c

	if r.sender != nil && !r.sender.Done() {
		switch {
		case resp.Code == message.Continue:
			done, err := r.sender.Advance(resp.Options.Block1)
			if err == nil && done {
				err = blockwise.ErrProtocolViolation
			}
			if err != nil {
				r.fail(err)
				return
			}
			r.send(r.uploadMessage())
			return
		case resp.Code.IsSuccessful() && resp.Options.Block1 != nil:
			if _, err := r.sender.Advance(resp.Options.Block1); err != nil {
				r.fail(err)
				return
			}
		}
		// Any other response ends the upload and is final.
	}

	if b2 := resp.Options.Block2; b2 != nil && (b2.More || b2.Num > 0) {
		key := blockwise.TokenKey(resp.Remote, r.token)
		asm, err := c.blocks.Add(key, resp, *b2, func(_ blockwise.Key, err error) {
			r.fail(err)
		})
		if err != nil {
			r.fail(err)
			return
		}
		if asm == nil {
			r.download = &key
			r.send(r.nextBlockRequest(resp.Remote, *b2))
			return
		}
		r.download = nil

		full := asm.Request.Copy()
		full.Payload = append([]byte(nil), asm.Payload()...)
		full.Options.Block2 = nil
		full.Options.Size2 = nil
		resp = full
	}

	r.deliver(resp)
}

// nextBlockRequest asks for the block after b. Follow-up requests never
// register observations.
func (r *Request) nextBlockRequest(remote endpoint.Address, b message.Block) *message.Message {
	m := r.msg.Copy()
	m.Remote = remote
	m.Payload = nil
	m.Options.Block1 = nil
	m.Options.Size1 = nil
	m.Options.Observe = nil
	m.Options.SetBlock2(message.Block{Num: b.Num + 1, SZX: b.SZX})
	if r.multicast {
		m.Type = message.Confirmable
	}
	return m
}

// deliver hands a complete response to the caller.
func (r *Request) deliver(resp *message.Message) {
	if r.observation == nil {
		r.response.Fulfill(resp)
		r.finish()
		return
	}

	obs := resp.Options.Observe
	if obs == nil || !resp.Code.IsSuccessful() {
		if r.response.Fulfill(resp) {
			if resp.Code.IsSuccessful() {
				r.observation.end(observe.ErrNotObservable)
			} else {
				r.observation.end(&ResponseError{Response: resp})
			}
		} else if resp.Code.IsSuccessful() {
			r.observation.push(resp)
			r.observation.end(ErrObservationEnded)
		} else {
			r.observation.end(&ResponseError{Response: resp})
		}
		r.finish()
		return
	}

	if !r.freshness.Accept(*obs, r.c.loop.Now()) {
		if r.c.log != nil {
			r.c.log.Debugf("dropping stale notification %d", *obs)
		}
		return
	}
	if r.response.Fulfill(resp) {
		return
	}
	r.observation.push(resp)
}

func (r *Request) fail(err error) {
	r.response.Fail(err)
	if r.observation != nil {
		r.observation.end(err)
	}
	r.finish()
}

// finish drops all loop state of the request.
func (r *Request) finish() {
	if r.finished {
		return
	}
	r.finished = true

	c := r.c
	if c.requests[string(r.token)] == r {
		delete(c.requests, string(r.token))
	}
	c.exchange.Cancel(r.ex)
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.download != nil {
		c.blocks.Abort(*r.download)
	}
}

// notificationBuffer is how many undelivered notifications an Observation
// holds before dropping the oldest.
const notificationBuffer = 32

// Observation is the client side of an observe registration.
type Observation struct {
	r     *Request
	ch    chan *message.Message
	done  chan struct{}
	mu    sync.Mutex
	err   error
	ended bool
}

func newObservation(r *Request) *Observation {
	return &Observation{
		r:    r,
		ch:   make(chan *message.Message, notificationBuffer),
		done: make(chan struct{}),
	}
}

// Notifications delivers notifications after the first response, in
// order and without stale ones. The channel is closed when the
// observation ends.
func (o *Observation) Notifications() <-chan *message.Message {
	return o.ch
}

// Done is closed when the observation ends.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Err returns why the observation ended, or nil while it is active.
func (o *Observation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Cancel cancels the underlying request.
func (o *Observation) Cancel() {
	o.r.Cancel()
}

func (o *Observation) push(msg *message.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	select {
	case o.ch <- msg:
		return
	default:
	}
	// Full: the reader is behind, drop the oldest.
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- msg:
	default:
	}
}

func (o *Observation) end(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.ended = true
	o.err = err
	close(o.ch)
	close(o.done)
}
