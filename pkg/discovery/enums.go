// Package discovery advertises and resolves CoAP endpoints over DNS-SD
// (mDNS).
//
// This package provides:
//   - Service advertising for coap:// and coaps:// endpoints
//   - Service resolution, including a host resolver for instance names in
//     the .local domain that transports can use in place of DNS
//   - TXT record encoding/decoding for CoRE resource attributes
//
// Spec References:
//   - RFC 6762: Multicast DNS
//   - RFC 6763: DNS-Based Service Discovery
//   - RFC 7252 Section 12.6: Service Name and Port Number Registration
package discovery

// ServiceType identifies the type of DNS-SD service.
type ServiceType int

// ServiceType constants.
const (
	// ServiceTypeUnknown represents an unknown or invalid service type.
	ServiceTypeUnknown ServiceType = iota

	// ServiceTypeCoAP is a plain CoAP endpoint over UDP.
	// Service type: _coap._udp
	ServiceTypeCoAP

	// ServiceTypeCoAPS is a CoAP endpoint secured with DTLS.
	// Service type: _coaps._udp
	ServiceTypeCoAPS
)

// DNS-SD service type strings.
const (
	// ServiceCoAP is the DNS-SD service type for coap:// endpoints.
	ServiceCoAP = "_coap._udp"

	// ServiceCoAPS is the DNS-SD service type for coaps:// endpoints.
	ServiceCoAPS = "_coaps._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// String returns a human-readable string for the service type.
func (s ServiceType) String() string {
	switch s {
	case ServiceTypeCoAP:
		return "CoAP"
	case ServiceTypeCoAPS:
		return "CoAPS"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the service type is a known value.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeCoAP || s == ServiceTypeCoAPS
}

// ServiceString returns the DNS-SD service type string.
func (s ServiceType) ServiceString() string {
	switch s {
	case ServiceTypeCoAP:
		return ServiceCoAP
	case ServiceTypeCoAPS:
		return ServiceCoAPS
	default:
		return ""
	}
}

// DefaultPort returns the IANA port of the service type.
func (s ServiceType) DefaultPort() int {
	if s == ServiceTypeCoAPS {
		return 5684
	}
	return 5683
}
