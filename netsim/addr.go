//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// net.Addr implementation.
//

package netsim

import (
	"net"
	"net/netip"
)

// Addr is the [net.Addr] of a simulated [*Listener] or [*Stream].
type Addr struct {
	// AddrPort is the endpoint address and port.
	AddrPort netip.AddrPort
}

// Ensure [*Addr] implements [net.Addr].
var _ net.Addr = &Addr{}

// Network implements [net.Addr].
func (sa *Addr) Network() string {
	return "tcp"
}

// String implements [net.Addr].
func (sa *Addr) String() string {
	return sa.AddrPort.String()
}
