// coap-observe-server serves an observable counter over CoAP.
//
// The counter lives at /status, advances every interval and can be set
// with PUT. Observers registered with GET and Observe: 0 receive every
// change. The server is advertised as a _coap._udp mDNS service.
//
// Usage:
//
//	coap-observe-server [options]
//
// Options:
//
//	-config    YAML configuration file (default: none)
//	-listen    UDP listen address (default: ":5683")
//	-name      mDNS instance name (default: generated)
//	-no-mdns   Disable mDNS advertisement
//	-interval  Status change interval (default: 5s)
//	-log       Log level (default: info)
//
// Example:
//
//	coap-observe-server -listen :5683 -interval 1s -name kitchen
package main

import (
	"context"
	"log"

	"github.com/backkem/coap/examples/common"
	"github.com/backkem/coap/examples/status"
	"github.com/backkem/coap/pkg/coap"
)

func main() {
	// Parse command-line flags
	opts := common.ParseFlags()

	// Create the status resource
	res := status.NewResource()
	site := coap.NewSite()
	site.Add(status.Path, res)

	// Run the server (blocks until interrupted)
	err := common.RunServer(opts, site, status.TXT(), func(ctx context.Context) {
		res.Run(ctx, opts.Interval)
	})
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
