package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// MaxInstanceNameLength is the longest DNS label (RFC 6763 Section 4.1.1).
const MaxInstanceNameLength = 63

// GenerateInstanceName returns a random instance name of the form
// "coap-<12 hex characters>".
func GenerateInstanceName() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "coap-000000000000"
	}
	return "coap-" + hex.EncodeToString(buf[:])
}

// ValidateInstanceName checks that name fits in a single DNS label.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > MaxInstanceNameLength || strings.ContainsRune(name, '.') {
		return ErrInvalidInstanceName
	}
	return nil
}

// InstanceFromHost extracts the instance name from a host in the mDNS
// domain ("sensor.local" or "sensor.local."). ok is false for any other
// host.
func InstanceFromHost(host string) (instance string, ok bool) {
	host = strings.TrimSuffix(host, ".")
	instance, found := strings.CutSuffix(host, ".local")
	if !found || instance == "" || strings.ContainsRune(instance, '.') {
		return "", false
	}
	return instance, true
}

// SortAddrsByPreference sorts addresses by routing preference.
// Priority order (highest to lowest):
//  1. Global Unicast Addresses (routable on internet)
//  2. Unique Local Addresses (ULA, fc00::/7)
//  3. Link-Local Addresses (fe80::/10)
//  4. IPv4 addresses
//  5. Loopback and multicast
//
// The input slice is not modified.
func SortAddrsByPreference(addrs []netip.Addr) []netip.Addr {
	if len(addrs) <= 1 {
		return addrs
	}

	sorted := make([]netip.Addr, len(addrs))
	copy(sorted, addrs)

	sort.SliceStable(sorted, func(i, j int) bool {
		return addrPriority(sorted[i]) < addrPriority(sorted[j])
	})

	return sorted
}

// addrPriority returns the priority of an address (lower is better).
func addrPriority(addr netip.Addr) int {
	if !addr.IsValid() {
		return 99
	}
	addr = addr.Unmap()

	switch {
	case addr.IsLoopback():
		return 80
	case addr.IsMulticast():
		return 90
	case addr.Is4():
		return 50
	case isGlobalUnicast(addr):
		return 0
	case isUniqueLocal(addr):
		return 1
	case addr.IsLinkLocalUnicast():
		return 2
	}
	return 10
}

// isGlobalUnicast returns true if addr is a globally routable IPv6 unicast
// address.
func isGlobalUnicast(addr netip.Addr) bool {
	return addr.Is6() && addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// isUniqueLocal returns true if addr is an IPv6 Unique Local Address
// (fc00::/7).
func isUniqueLocal(addr netip.Addr) bool {
	return addr.Is6() && addr.IsPrivate()
}

// entryAddrs converts the addresses of an mDNS answer, dropping invalid
// ones.
func entryAddrs(v4, v6 []net.IP) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(v4)+len(v6))
	for _, ips := range [][]net.IP{v6, v4} {
		for _, ip := range ips {
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	return addrs
}
