// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import (
	"net"
	"net/netip"
)

// AddrToAddrPort converts a [net.Addr] to a [netip.AddrPort].
//
// It understands [*net.TCPAddr] and [*net.UDPAddr] natively and falls
// back to parsing the string representation, which covers custom
// [net.Addr] implementations such as simulated addresses.
//
// If the input is nil or not convertible, returns an unspecified IPv6
// address with port 0.
func AddrToAddrPort(addr net.Addr) netip.AddrPort {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.AddrPort()
	case *net.UDPAddr:
		return v.AddrPort()
	case nil:
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	default:
		if ap, err := netip.ParseAddrPort(v.String()); err == nil {
			return ap
		}
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
}
