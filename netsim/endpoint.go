//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Tag-addressed message endpoint.
//

package netsim

import (
	"context"
	"math"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Tag-space partitioning. Listener tags carry the top bit, handshake
// reply tags carry bit 62, and connection data tags are ConnID<<32
// plus a per-direction sequence cursor.
const (
	tagListen = uint64(1) << 63
	tagReply  = uint64(1) << 62
)

// Endpoint is the raw, tag-addressed message-passing primitive owned
// by a single node. Messages for the same tag are received in the
// order they were sent.
//
// Construct using [NetSim.NewEndpoint].
type Endpoint struct {
	// addrs contains the node addresses.
	addrs []netip.Addr

	// arrival is closed and replaced whenever a message arrives.
	arrival chan struct{}

	// eof unblocks any pending receive when the endpoint closes.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// mu protects queues and arrival.
	mu sync.Mutex

	// net is the controlling simulation.
	net *NetSim

	// node is the owning node.
	node NodeID

	// port tracks ephemeral port allocation.
	port atomic.Uint32

	// queues contains the per-tag message queues.
	queues map[uint64][]*envelope

	// replyTag tracks allocated tags.
	replyTag atomic.Uint64
}

// envelope is a received message together with its sender.
type envelope struct {
	src     NodeID
	payload *Payload
}

// newEndpoint creates an [*Endpoint] attached to the given simulation.
func newEndpoint(ns *NetSim, node NodeID, addrs []netip.Addr) *Endpoint {
	return &Endpoint{
		addrs:    append([]netip.Addr{}, addrs...),
		arrival:  make(chan struct{}),
		eof:      make(chan struct{}),
		eofOnce:  sync.Once{},
		mu:       sync.Mutex{},
		net:      ns,
		node:     node,
		port:     atomic.Uint32{},
		queues:   map[uint64][]*envelope{},
		replyTag: atomic.Uint64{},
	}
}

// Node returns the owning node.
func (ep *Endpoint) Node() NodeID {
	return ep.node
}

// Addresses returns the endpoint addresses.
func (ep *Endpoint) Addresses() []netip.Addr {
	return append([]netip.Addr{}, ep.addrs...)
}

// Net returns the controlling [*NetSim].
func (ep *Endpoint) Net() *NetSim {
	return ep.net
}

// hasAddr returns whether addr is local to the endpoint.
func (ep *Endpoint) hasAddr(addr netip.Addr) bool {
	for _, a := range ep.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// localAddrFor picks the local address to use with a remote address,
// preferring one of the same family.
func (ep *Endpoint) localAddrFor(remote netip.Addr) netip.Addr {
	for _, addr := range ep.addrs {
		if addr.Is4() == remote.Is4() {
			return addr
		}
	}
	return ep.addrs[0]
}

// nextEphemeralPort opens a new local port, if possible, or returns an error.
func (ep *Endpoint) nextEphemeralPort() (uint16, error) {
	const firstEphemeralPort = 49152
	port := uint32(firstEphemeralPort) + ep.port.Add(1) - 1
	if port > math.MaxUint16 {
		return 0, EADDRINUSE
	}
	return uint16(port), nil
}

// AllocateTag reserves a tag outside the listener and connection tag
// spaces. The handshake uses it for acknowledgement reply tags; layers
// built directly on the endpoint use it to start new exchanges.
func (ep *Endpoint) AllocateTag() uint64 {
	return tagReply | ep.replyTag.Add(1)
}

// Send delivers a payload to the given tag of the destination node.
//
// Connectivity is validated at send time: [EHOSTUNREACH] when either
// node is disconnected or the destination does not exist. A pairwise
// partition defers the message instead of failing (see
// [NetSim.Disconnect2]).
//
// The payload bytes are copied to avoid issues with buffer reuse.
func (ep *Endpoint) Send(dst NodeID, tag uint64, p *Payload) error {
	if isClosedChan(ep.eof) {
		return net.ErrClosed
	}
	q := *p
	if p.Bytes != nil {
		q.Bytes = append([]byte{}, p.Bytes...)
	}
	return ep.net.send(ep.node, dst, tag, &q)
}

// Recv receives the next payload for the given tag together with the
// sending node. It suspends until a message arrives and re-validates
// connectivity on every wakeup, so a fault injected while suspended is
// observed immediately.
//
// The following errors are possible:
//
// 1. [EHOSTUNREACH] if the local node is disconnected;
//
// 2. [net.ErrClosed] if the endpoint is closed;
//
// 3. the context error if ctx expires.
func (ep *Endpoint) Recv(ctx context.Context, tag uint64) (*Payload, NodeID, error) {
	for {
		arrival := ep.arrivalWait()
		epoch := ep.net.changed()
		if isClosedChan(ep.eof) {
			return nil, 0, net.ErrClosed
		}
		if ep.net.nodeDown(ep.node) {
			return nil, 0, EHOSTUNREACH
		}
		if env, ok := ep.tryRecv(tag); ok {
			return env.payload, env.src, nil
		}
		select {
		case <-arrival:
		case <-epoch:
		case <-ep.eof:
			return nil, 0, net.ErrClosed
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// deliver appends a message to the tag queue and wakes receivers.
func (ep *Endpoint) deliver(src NodeID, tag uint64, p *Payload) {
	ep.mu.Lock()
	ep.queues[tag] = append(ep.queues[tag], &envelope{src: src, payload: p})
	close(ep.arrival)
	ep.arrival = make(chan struct{})
	ep.mu.Unlock()
}

// tryRecv pops the head of the tag queue, if any.
func (ep *Endpoint) tryRecv(tag uint64) (*envelope, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	queue := ep.queues[tag]
	if len(queue) <= 0 {
		return nil, false
	}
	env := queue[0]
	if len(queue) == 1 {
		delete(ep.queues, tag)
	} else {
		ep.queues[tag] = queue[1:]
	}
	return env, true
}

// arrivalWait returns the channel closed on the next arrival.
func (ep *Endpoint) arrivalWait() <-chan struct{} {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.arrival
}

// Close closes the [*Endpoint] terminating any pending receive and
// releasing the node's addresses and bindings.
func (ep *Endpoint) Close() error {
	ep.eofOnce.Do(func() {
		ep.net.closeEndpoint(ep)
		close(ep.eof)
	})
	return nil
}
