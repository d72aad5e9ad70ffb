//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Simulated connection listener.
//

package netsim

import (
	"hash/fnv"
	"net"
	"net/netip"
	"sync"
)

// listenTag maps a listening address into the listener tag space.
func listenTag(addr netip.AddrPort) uint64 {
	h := fnv.New64a()
	h.Write([]byte(addr.String()))
	return tagListen | (h.Sum64() &^ (tagListen | tagReply))
}

// Listener accepts connection requests for a bound address.
//
// The zero value is invalid; construct using [Listen].
type Listener struct {
	// addr is the bound address.
	addr netip.AddrPort

	// eof unblocks any pending accept.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// ep is the underlying endpoint.
	ep *Endpoint

	// tag is the tag where connection requests arrive.
	tag uint64

	// unwatch deregisters the node-reset watcher.
	unwatch func()
}

// Ensure [*Listener] implements [net.Listener].
var _ net.Listener = &Listener{}

// Listen binds the given address on the endpoint's node and returns a
// [*Listener] accepting connections for it.
//
// The following errors are possible:
//
// 1. [EINVAL] if the address does not parse;
//
// 2. [EADDRNOTAVAIL] if the IP is not local to the endpoint;
//
// 3. [EADDRINUSE] if the address is already bound.
//
// Port zero picks an ephemeral port.
func Listen(ep *Endpoint, address string) (*Listener, error) {
	laddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, EINVAL
	}
	bound, err := ep.net.bind(ep, laddr)
	if err != nil {
		return nil, err
	}
	listener := &Listener{
		addr:    bound,
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
		ep:      ep,
		tag:     listenTag(bound),
		unwatch: nil,
	}
	listener.unwatch = ep.net.onReset(ep.node, listener.invalidate)
	return listener, nil
}

// AcceptStream accepts the next connection request, in FIFO arrival
// order, and returns the established [*Stream] together with the
// peer's address.
//
// The following errors are possible:
//
// 1. [net.ErrClosed] if the listener is closed or its node was reset;
//
// 2. [EHOSTUNREACH] if the local node is disconnected.
//
// A request whose dialer became unreachable before the
// acknowledgement could be sent is silently discarded.
func (l *Listener) AcceptStream() (*Stream, netip.AddrPort, error) {
	for {
		env, err := l.recv()
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		p := env.payload
		if p.Flags != FlagSYN {
			continue
		}
		connID := l.ep.net.newConnID()
		stream := newStream(l.ep, connID, l.addr, p.SrcAddr, env.src)
		ack := &Payload{Flags: FlagSYN | FlagACK, ConnID: connID}
		if err := l.ep.Send(env.src, p.ReplyTag, ack); err != nil {
			stream.discard()
			continue
		}
		return stream, p.SrcAddr, nil
	}
}

// Accept implements [net.Listener].
func (l *Listener) Accept() (net.Conn, error) {
	stream, _, err := l.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// recv awaits the next message on the listener tag.
func (l *Listener) recv() (*envelope, error) {
	for {
		arrival := l.ep.arrivalWait()
		epoch := l.ep.net.changed()
		if isClosedChan(l.eof) {
			return nil, net.ErrClosed
		}
		if l.ep.net.nodeDown(l.ep.node) {
			return nil, EHOSTUNREACH
		}
		if env, ok := l.ep.tryRecv(l.tag); ok {
			return env, nil
		}
		select {
		case <-arrival:
		case <-epoch:
		case <-l.eof:
			return nil, net.ErrClosed
		case <-l.ep.eof:
			return nil, net.ErrClosed
		}
	}
}

// invalidate tears the listener down when its node is reset.
func (l *Listener) invalidate() {
	l.Close()
}

// Close implements [net.Listener]. Pending and future accepts fail
// with [net.ErrClosed]; queued connection requests are refused so the
// dialers observe [ECONNREFUSED] rather than hanging.
func (l *Listener) Close() error {
	l.eofOnce.Do(func() {
		l.unwatch()
		l.ep.net.unbind(l.addr)
		close(l.eof)
		for {
			env, ok := l.ep.tryRecv(l.tag)
			if !ok {
				break
			}
			if env.payload.Flags&FlagSYN != 0 {
				l.ep.Send(env.src, env.payload.ReplyTag, &Payload{Flags: FlagRST})
			}
		}
	})
	return nil
}

// Addr implements [net.Listener].
func (l *Listener) Addr() net.Addr {
	return &Addr{l.addr}
}
