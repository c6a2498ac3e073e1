// Package coap ties the exchange engine together into a Context: the
// message manager its transports report to, the server that renders
// resources and keeps their observers informed, and the client that sends
// requests and follows them through blockwise transfers and observations.
//
// # Serving resources
//
//	site := coap.NewSite()
//	site.Add("/status", statusResource)
//
//	ctx, err := coap.NewContext(coap.Config{
//	    Site:          site,
//	    LoggerFactory: logging.NewDefaultLoggerFactory(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx.Open()
//	defer ctx.Shutdown(context.Background())
//
//	if _, err := ctx.ListenUDP(); err != nil {
//	    log.Fatal(err)
//	}
//
// A resource becomes observable by implementing ObservableResource, most
// easily by embedding Observers and calling Trigger whenever its state
// changes:
//
//	type status struct {
//	    coap.Observers
//	}
//
//	func (s *status) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
//	    resp := message.NewResponse(req, message.Content)
//	    resp.Payload = []byte("ok")
//	    return resp, nil
//	}
//
// # Sending requests
//
//	req := &message.Message{Type: message.Confirmable, Code: message.GET}
//	req.Options.URIHost = "sensor.local"
//	req.Options.SetPath("/status")
//	req.Options.SetObserve(message.ObserveRegister)
//
//	r := ctx.Request(req)
//	resp, err := r.Response().Wait(context.Background())
//	for n := range r.Observation().Notifications() {
//	    fmt.Println(string(n.Payload))
//	}
//
// # Threading
//
// A Context runs one event loop. Inbound datagrams, timers, render results
// and resource triggers are all posted into it, so the deduplication,
// retransmission, blockwise and subscription tables are never shared
// between goroutines. Renders run on their own goroutines and may block.
//
// Spec References:
//   - RFC 7252: The Constrained Application Protocol (CoAP)
//   - RFC 7641: Observing Resources in CoAP
//   - RFC 7959: Block-Wise Transfers in CoAP
package coap
