// coap-observe follows an observable CoAP resource and prints every value.
//
// Without -host, the first observable _coap._udp service found via mDNS
// is used.
//
// Usage:
//
//	coap-observe [options]
//
// Options:
//
//	-host      Server to observe, an address or "<instance>.local"
//	-port      Server port (default: 5683)
//	-path      Resource path (default: /status)
//	-config    YAML configuration file (default: none)
//	-no-mdns   Disable mDNS
//	-log       Log level (default: info)
//
// Example:
//
//	coap-observe -host kitchen.local -path /status
package main

import (
	"context"
	"log"
	"strconv"

	"github.com/backkem/coap/examples/common"
	"github.com/backkem/coap/examples/observer"
	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/message"
)

func main() {
	opts := common.ParseFlags()

	err := common.RunClient(opts, func(ctx context.Context, c *coap.Context, resolver *discovery.Resolver) error {
		o := observer.New(c, resolver)

		target := observer.Target{Host: opts.Host, Port: uint16(opts.Port), Path: opts.Path}
		if target.Host == "" {
			found, err := o.Discover(ctx)
			if err != nil {
				return err
			}
			target = found
		}

		log.Printf("Observing %s", target)
		return o.Observe(ctx, target, func(msg *message.Message) {
			seq := "-"
			if msg.Options.Observe != nil {
				seq = strconv.FormatUint(uint64(*msg.Options.Observe), 10)
			}
			log.Printf("[%s] %s: %s", seq, msg.Code, msg.Payload)
		})
	})
	if err != nil {
		log.Fatalf("Observer error: %v", err)
	}
}
