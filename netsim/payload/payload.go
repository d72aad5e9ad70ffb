// SPDX-License-Identifier: GPL-3.0-or-later

// Package payload contains [*Payload] and the related definitions.
package payload

import (
	"fmt"
	"net/netip"
	"strings"
)

// NodeID identifies a simulation participant.
//
// The zero value never identifies a valid node.
type NodeID uint64

// String returns the string representation of the node ID.
func (n NodeID) String() string {
	return fmt.Sprintf("node%d", uint64(n))
}

// Flags is a set of connection-control flags.
type Flags uint8

// String returns the string representation of the flags.
func (flags Flags) String() string {
	var builder strings.Builder

	if flags&FlagSYN != 0 {
		builder.WriteString("S")
	} else {
		builder.WriteString(".")
	}

	if flags&FlagACK != 0 {
		builder.WriteString("A")
	} else {
		builder.WriteString(".")
	}

	if flags&FlagFIN != 0 {
		builder.WriteString("F")
	} else {
		builder.WriteString(".")
	}

	if flags&FlagRST != 0 {
		builder.WriteString("R")
	} else {
		builder.WriteString(".")
	}

	return builder.String()
}

const (
	// FlagSYN marks a connection request.
	FlagSYN = 1

	// FlagACK marks a connection acknowledgement.
	FlagACK = 2

	// FlagFIN marks graceful termination. The streaming layer reuses
	// it as the reserved end-of-stream sentinel.
	FlagFIN = 4

	// FlagRST marks abrupt termination.
	FlagRST = 8
)

// Payload is the type-erased unit of data exchanged between endpoints.
//
// It is a closed union: which fields are meaningful is selected by the
// control flags, not by runtime type identity.
type Payload struct {
	// Flags contains the connection-control flags, if any.
	Flags Flags

	// SrcAddr is the dialer's endpoint address (SYN only).
	SrcAddr netip.AddrPort

	// ReplyTag is the tag where the dialer awaits the ACK (SYN only).
	ReplyTag uint64

	// ConnID is the freshly allocated connection ID (ACK only).
	ConnID uint64

	// Bytes is the stream data carried by this payload.
	Bytes []byte

	// Value is a typed item used by the streaming layer.
	Value any
}

// String returns the string representation of the payload.
func (p *Payload) String() string {
	return fmt.Sprintf("flags=%s length=%d", p.Flags, len(p.Bytes))
}
