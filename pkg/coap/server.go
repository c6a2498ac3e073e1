package coap

import (
	"errors"

	"github.com/backkem/coap/pkg/blockwise"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
)

// handleRequest serves an inbound request that passed deduplication.
func (c *Context) handleRequest(req *message.Message) {
	site := c.config.Site
	if site == nil {
		c.respond(req, message.NewResponse(req, message.NotFound), nil)
		return
	}

	if obs := req.Options.Observe; obs != nil && *obs == message.ObserveDeregister {
		if sub := c.observations.Get(req.Remote, req.Token); sub != nil {
			c.observations.Cancel(sub, observe.ReasonDeregistered)
		}
	}

	if req.Options.Block1 != nil && site.NeedsBlockwiseAssembly(req) {
		assembled, reply := c.blocks.ReceiveRequest(req)
		if reply != nil {
			c.respond(req, reply, nil)
			return
		}
		req = assembled
	}

	var sub *observe.Subscription
	if res, ok := site.(ObservableResource); ok && isObserveRegistration(req) {
		s, err := c.observations.Register(req, func(h *observe.Handle) {
			res.AddObservation(req, h)
		})
		if err != nil {
			if c.log != nil {
				c.log.Debugf("%s %s not observed: %v", req.Code, req.Options.Path(), err)
			}
		} else {
			sub = s
		}
	}

	c.render(site, req, func(resp *message.Message, err error) {
		c.finishRequest(req, sub, resp, err)
	})
}

// render runs the resource off the loop and posts the result back.
func (c *Context) render(res Resource, req *message.Message, done func(*message.Message, error)) {
	in := req.Copy()
	go func() {
		resp, err := res.Render(c.renderCtx, in)
		if !c.loop.Post(func() { done(resp, err) }) && c.log != nil {
			c.log.Debugf("dropping render of %s after shutdown", in.Options.Path())
		}
	}()
}

// responseFor turns a render result into the response to send. ok is
// false when the resource asked for no response.
func (c *Context) responseFor(req, resp *message.Message, err error) (out *message.Message, ok bool) {
	var cerr *Error
	switch {
	case errors.Is(err, NoResponse):
		return nil, false
	case errors.As(err, &cerr):
		out = message.NewResponse(req, cerr.Code)
		out.Payload = []byte(cerr.Message)
	case err != nil:
		if c.log != nil {
			c.log.Warnf("render of %s failed: %v", req.Options.Path(), err)
		}
		out = message.NewResponse(req, message.InternalServerError)
	case resp == nil:
		out = message.NewResponse(req, message.Content)
	default:
		out = resp.Copy()
		out.Token = append([]byte(nil), req.Token...)
		out.Remote = req.Remote
		out.MessageID = 0
	}

	if !out.IsResponse() {
		if c.log != nil {
			c.log.Warnf("render of %s returned %s, not a response code", req.Options.Path(), out.Code)
		}
		out = message.NewResponse(req, message.InternalServerError)
	}
	return out, true
}

func (c *Context) finishRequest(req *message.Message, sub *observe.Subscription, resp *message.Message, err error) {
	out, ok := c.responseFor(req, resp, err)

	// Error responses to multicast requests are suppressed (RFC 7252
	// Section 8.2).
	if ok && req.Remote.IsMulticastLocally() && !out.Code.IsSuccessful() {
		ok = false
	}
	if !ok {
		if sub != nil {
			c.observations.Cancel(sub, observe.ReasonErrorResponse)
		}
		c.exchange.Decline(req)
		return
	}

	var release func()
	if sub != nil {
		if out.Code.IsSuccessful() {
			seq, done := c.observations.Initial(sub)
			out.Options.SetObserve(seq)
			release = done
		} else {
			c.observations.Cancel(sub, observe.ReasonErrorResponse)
			sub = nil
		}
	}

	blockwise.EchoBlock1(req, out)
	cut, err := blockwise.CutResponse(req, out, c.config.BlockSize)
	if err != nil {
		cut = message.NewResponse(req, message.BadOption)
		cut.Payload = []byte(err.Error())
		if sub != nil {
			c.observations.Cancel(sub, observe.ReasonErrorResponse)
			sub = nil
		}
	}

	c.respond(req, cut, sub)
	if release != nil {
		release()
	}
}

// respond sends the response to req. Failures of a separate response
// end the subscription it registered.
func (c *Context) respond(req, resp *message.Message, sub *observe.Subscription) {
	_, err := c.exchange.Respond(req, resp, func(_ *message.Message, err error) {
		if err != nil && sub != nil {
			c.observations.Cancel(sub, cancelReasonFor(err))
		}
	})
	if err != nil {
		if c.log != nil {
			c.log.Warnf("responding to %s: %v", req, err)
		}
		if sub != nil {
			c.observations.Cancel(sub, observe.ReasonTransportError)
		}
		return
	}
	if sub != nil && resp.Type == message.NonConfirmable {
		c.trackNotification(sub, resp)
	}
}

// notify implements observe.Notifier by re-rendering the registering
// request.
func (c *Context) notify(sub *observe.Subscription, seq uint32, done func()) {
	req := sub.Request.Copy()
	req.Options.Block2 = nil

	c.render(c.config.Site, req, func(resp *message.Message, err error) {
		defer done()
		if cancelled, _ := sub.Cancelled(); cancelled {
			return
		}

		out, ok := c.responseFor(req, resp, err)
		if !ok {
			return
		}

		// An error response is the final notification.
		if !out.Code.IsSuccessful() {
			c.observations.Cancel(sub, observe.ReasonErrorResponse)
			c.sendNotification(sub, out)
			return
		}

		out.Options.SetObserve(seq)
		cut, err := blockwise.CutResponse(req, out, c.config.BlockSize)
		if err != nil {
			if c.log != nil {
				c.log.Warnf("subscription %s: %v", sub.ID, err)
			}
			return
		}
		c.sendNotification(sub, cut)
	})
}

func (c *Context) sendNotification(sub *observe.Subscription, msg *message.Message) {
	msg.Type = message.NonConfirmable
	if sub.Request.Type == message.Confirmable {
		msg.Type = message.Confirmable
	}
	msg.Token = append([]byte(nil), sub.Token...)
	msg.Remote = sub.Remote

	_, err := c.exchange.Send(msg, func(_ *message.Message, err error) {
		if err != nil {
			c.observations.Cancel(sub, cancelReasonFor(err))
		}
	})
	if err != nil {
		if c.log != nil {
			c.log.Warnf("subscription %s: %v", sub.ID, err)
		}
		c.observations.Cancel(sub, observe.ReasonTransportError)
		return
	}
	if msg.Type == message.NonConfirmable {
		c.trackNotification(sub, msg)
	}
}

// trackNotification remembers the last Non-confirmable notification of a
// subscription so a RST to it can end the subscription.
func (c *Context) trackNotification(sub *observe.Subscription, msg *message.Message) {
	if cancelled, _ := sub.Cancelled(); cancelled {
		return
	}
	if old, ok := c.lastNonNotify[sub]; ok {
		delete(c.nonNotify, old)
	}
	key := notificationKey{remote: msg.Remote.Key(), mid: msg.MessageID}
	c.nonNotify[key] = sub
	c.lastNonNotify[sub] = key
}

func (c *Context) handleNotificationReset(rst *message.Message) {
	key := notificationKey{remote: rst.Remote.Key(), mid: rst.MessageID}
	if sub, ok := c.nonNotify[key]; ok {
		c.observations.Cancel(sub, observe.ReasonClientReset)
	}
}

// subscriptionEnded runs after any subscription was cancelled.
func (c *Context) subscriptionEnded(sub *observe.Subscription, reason observe.CancelReason) {
	if key, ok := c.lastNonNotify[sub]; ok {
		delete(c.nonNotify, key)
		delete(c.lastNonNotify, sub)
	}
}

func cancelReasonFor(err error) observe.CancelReason {
	if errors.Is(err, exchange.ErrRejected) {
		return observe.ReasonClientReset
	}
	return observe.ReasonTransportError
}

func isObserveRegistration(req *message.Message) bool {
	if req.Code != message.GET && req.Code != message.FETCH {
		return false
	}
	obs := req.Options.Observe
	return obs != nil && *obs == message.ObserveRegister
}
