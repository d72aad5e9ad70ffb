//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Aliases for Payload and the related definitions.
//

package netsim

import (
	"github.com/madsys-dev/madsim/netsim/dns"
	"github.com/madsys-dev/madsim/netsim/payload"
)

// Type aliases
type (
	Payload    = payload.Payload
	Flags      = payload.Flags
	NodeID     = payload.NodeID
	DNSHandler = dns.Handler
)

// Constant aliases
const (
	FlagSYN = payload.FlagSYN
	FlagACK = payload.FlagACK
	FlagFIN = payload.FlagFIN
	FlagRST = payload.FlagRST
)
