//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Simulated connection-oriented stream.
//

package netsim

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// dataTag maps a connection ID and a per-direction sequence number
// into the data tag space.
func dataTag(connID, seq uint64) uint64 {
	return connID<<32 | seq&0xffffffff
}

// Stream states.
const (
	// streamOpen is the initial state.
	streamOpen = iota

	// streamHalfClosed means we sent end-of-stream.
	streamHalfClosed

	// streamClosed means the stream is closed.
	streamClosed

	// streamReset means the local node was reset.
	streamReset
)

// Stream is a reliable, ordered byte stream between two endpoints.
//
// Construct using [Connect] or [Listener.AcceptStream]. A [*Stream]
// implements [net.Conn] and is safe for concurrent use, with the usual
// caveat that concurrent reads interleave.
//
// Both directions share a connection ID assigned during the handshake
// and keep an independent sequence cursor, so each direction delivers
// its messages in send order.
type Stream struct {
	// connID is the connection ID assigned during the handshake.
	connID uint64

	// eof unblocks pending I/O when the stream closes.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// ep is the local endpoint.
	ep *Endpoint

	// laddr is the local address.
	laddr netip.AddrPort

	// mu protects state, peerEOF, peerReset, and sendSeq.
	mu sync.Mutex

	// peer is the remote node.
	peer NodeID

	// peerc unblocks pending I/O when the peer node is reset.
	peerc chan struct{}

	// peerEOF records that the peer sent end-of-stream.
	peerEOF bool

	// peerOnce ensures we record the peer reset just once.
	peerOnce sync.Once

	// peerReset records that the peer node was reset.
	peerReset bool

	// raddr is the remote address.
	raddr netip.AddrPort

	// rbuf buffers bytes consumed from the mailbox but not yet read.
	rbuf bytes.Buffer

	// rd is the read deadline.
	rd *deadline

	// recvSeq is the next sequence number to receive.
	recvSeq uint64

	// resetc unblocks pending I/O when the local node is reset.
	resetc chan struct{}

	// resetOnce ensures we record the local reset just once.
	resetOnce sync.Once

	// rlock serializes readers and protects rbuf and recvSeq.
	rlock sync.Mutex

	// sendSeq is the next sequence number to send.
	sendSeq uint64

	// state is the stream state.
	state int

	// unwatchLocal deregisters the local-node reset watcher.
	unwatchLocal func()

	// unwatchPeer deregisters the peer-node reset watcher.
	unwatchPeer func()

	// wd is the write deadline.
	wd *deadline
}

// Ensure [*Stream] implements [net.Conn].
var _ net.Conn = &Stream{}

// newStream creates a half of an established connection.
func newStream(ep *Endpoint, connID uint64, laddr, raddr netip.AddrPort, peer NodeID) *Stream {
	s := &Stream{
		connID:       connID,
		eof:          make(chan struct{}),
		eofOnce:      sync.Once{},
		ep:           ep,
		laddr:        laddr,
		mu:           sync.Mutex{},
		peer:         peer,
		peerc:        make(chan struct{}),
		peerEOF:      false,
		peerOnce:     sync.Once{},
		peerReset:    false,
		raddr:        raddr,
		rbuf:         bytes.Buffer{},
		rd:           newDeadline(),
		recvSeq:      1,
		resetc:       make(chan struct{}),
		resetOnce:    sync.Once{},
		rlock:        sync.Mutex{},
		sendSeq:      1,
		state:        streamOpen,
		unwatchLocal: nil,
		unwatchPeer:  nil,
		wd:           newDeadline(),
	}
	s.unwatchLocal = ep.net.onReset(ep.node, s.resetLocal)
	s.unwatchPeer = ep.net.onReset(peer, s.resetPeer)
	return s
}

// Connect establishes a [*Stream] with a listener at the given address.
//
// The following errors are possible:
//
// 1. [EINVAL] if the address does not parse;
//
// 2. [EHOSTUNREACH] if no node owns the address or the owner is not
// reachable from the endpoint's node;
//
// 3. [ECONNREFUSED] if the owner is reachable but no listener is bound
// at the address;
//
// 4. [net.ErrClosed] if the endpoint closes while dialing;
//
// 5. the context error if ctx expires.
//
// Reachability is re-validated whenever the handshake suspends, so a
// fault injected mid-handshake fails the dial rather than hanging it.
func Connect(ctx context.Context, ep *Endpoint, address string) (*Stream, error) {
	raddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, EINVAL
	}
	owner, listening := ep.net.route(raddr)
	if owner == 0 || !ep.net.Reachable(ep.node, owner) {
		return nil, EHOSTUNREACH
	}
	if !listening {
		return nil, ECONNREFUSED
	}

	port, err := ep.nextEphemeralPort()
	if err != nil {
		return nil, err
	}
	laddr := netip.AddrPortFrom(ep.localAddrFor(raddr.Addr()), port)
	replyTag := ep.AllocateTag()
	syn := &Payload{Flags: FlagSYN, SrcAddr: laddr, ReplyTag: replyTag}
	if err := ep.Send(owner, listenTag(raddr), syn); err != nil {
		return nil, err
	}

	for {
		arrival := ep.arrivalWait()
		epoch := ep.net.changed()

		// Check for the acknowledgement before rechecking the
		// listener: the listener may close right after accepting us.
		if env, ok := ep.tryRecv(replyTag); ok {
			p := env.payload
			if p.Flags&FlagRST != 0 {
				return nil, ECONNREFUSED
			}
			if p.Flags != FlagSYN|FlagACK {
				return nil, ECONNABORTED
			}
			return newStream(ep, p.ConnID, laddr, raddr, owner), nil
		}
		if !ep.net.Reachable(ep.node, owner) {
			abandonHandshake(ep, replyTag)
			return nil, EHOSTUNREACH
		}
		if _, stillListening := ep.net.route(raddr); !stillListening {
			abandonHandshake(ep, replyTag)
			return nil, ECONNREFUSED
		}

		select {
		case <-arrival:
		case <-epoch:
		case <-ep.eof:
			return nil, net.ErrClosed
		case <-ctx.Done():
			abandonHandshake(ep, replyTag)
			return nil, ctx.Err()
		}
	}
}

// abandonHandshake reaps the acknowledgement of a dial that gave up
// after sending its connection request. If the acceptor already
// established the connection, or establishes it later, we reset it so
// the acceptor is not left with a stream whose peer will never read.
func abandonHandshake(ep *Endpoint, replyTag uint64) {
	go func() {
		p, src, err := ep.Recv(context.Background(), replyTag)
		if err != nil || p.Flags != FlagSYN|FlagACK {
			return
		}
		ep.Send(src, dataTag(p.ConnID, 1), &Payload{Flags: FlagRST})
	}()
}

// resetLocal marks the stream as reset by a local node reset.
func (s *Stream) resetLocal() {
	s.resetOnce.Do(func() {
		s.mu.Lock()
		s.state = streamReset
		s.mu.Unlock()
		close(s.resetc)
	})
}

// resetPeer records that the peer node was reset.
func (s *Stream) resetPeer() {
	s.peerOnce.Do(func() {
		s.mu.Lock()
		s.peerReset = true
		s.mu.Unlock()
		close(s.peerc)
	})
}

// Read implements [net.Conn].
//
// A read suspends until data arrives and re-validates the stream and
// the fault state on every wakeup. It returns 0 and [io.EOF] once the
// peer has sent end-of-stream or its node was reset, [ECONNRESET] if
// the local node was reset, [EHOSTUNREACH] while either node is
// disconnected, and [os.ErrDeadlineExceeded] past the read deadline.
func (s *Stream) Read(buf []byte) (int, error) {
	s.rlock.Lock()
	defer s.rlock.Unlock()
	for {
		arrival := s.ep.arrivalWait()
		epoch := s.ep.net.changed()
		s.mu.Lock()
		state, peerEOF, peerReset := s.state, s.peerEOF, s.peerReset
		s.mu.Unlock()

		if state == streamReset {
			return 0, ECONNRESET
		}
		if state == streamClosed || isClosedChan(s.ep.eof) {
			return 0, net.ErrClosed
		}
		if isClosedChan(s.rd.Wait()) {
			return 0, os.ErrDeadlineExceeded
		}
		if s.rbuf.Len() > 0 {
			return s.rbuf.Read(buf)
		}
		if peerEOF || peerReset {
			return 0, io.EOF
		}
		if s.ep.net.nodeDown(s.ep.node) || s.ep.net.nodeDown(s.peer) {
			return 0, EHOSTUNREACH
		}
		if s.pull() {
			continue
		}

		select {
		case <-arrival:
		case <-epoch:
		case <-s.resetc:
		case <-s.peerc:
		case <-s.eof:
		case <-s.ep.eof:
		case <-s.rd.Wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// pull consumes the next in-sequence message, if any. The caller must
// hold the rlock lock.
func (s *Stream) pull() bool {
	env, ok := s.ep.tryRecv(dataTag(s.connID, s.recvSeq))
	if !ok {
		return false
	}
	p := env.payload
	switch {
	case p.Flags&FlagRST != 0:
		s.resetPeer()
	case p.Flags&FlagFIN != 0:
		s.mu.Lock()
		s.peerEOF = true
		s.mu.Unlock()
	default:
		s.rbuf.Write(p.Bytes)
	}
	s.recvSeq++
	return true
}

// Write implements [net.Conn].
//
// Connectivity is validated at send time: a write fails with
// [EHOSTUNREACH] while either node is globally disconnected, while a
// write during a pairwise partition succeeds and its bytes are
// delivered, in order, once the partition heals.
//
// After a node reset, writing fails with [ECONNRESET] regardless of
// which side was reset.
func (s *Stream) Write(data []byte) (int, error) {
	if len(data) <= 0 {
		return 0, nil
	}
	if isClosedChan(s.wd.Wait()) {
		return 0, os.ErrDeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == streamReset || s.peerReset:
		return 0, ECONNRESET
	case s.state != streamOpen:
		return 0, net.ErrClosed
	}
	p := &Payload{Bytes: data}
	if err := s.ep.Send(s.peer, dataTag(s.connID, s.sendSeq), p); err != nil {
		return 0, err
	}
	s.sendSeq++
	return len(data), nil
}

// Flush reports whether previously written data can currently reach
// the peer. There is no transmit buffering, so flushing sends nothing;
// it surfaces the errors a kernel would report when pushing out
// buffered bytes: [ECONNRESET] after a reset on either side,
// [net.ErrClosed] on a closed stream, and [EHOSTUNREACH] while either
// node is globally disconnected. A pairwise partition does not fail
// the flush because the deferred bytes are still delivered on heal.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == streamReset || s.peerReset:
		return ECONNRESET
	case s.state == streamClosed:
		return net.ErrClosed
	}
	if s.ep.net.nodeDown(s.ep.node) || s.ep.net.nodeDown(s.peer) {
		return EHOSTUNREACH
	}
	return nil
}

// CloseWrite sends end-of-stream to the peer. The peer's reads drain
// the in-flight data and then return 0 and [io.EOF]; our reads remain
// usable.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == streamReset || s.peerReset:
		return ECONNRESET
	case s.state != streamOpen:
		return net.ErrClosed
	}
	fin := &Payload{Flags: FlagFIN}
	if err := s.ep.Send(s.peer, dataTag(s.connID, s.sendSeq), fin); err != nil {
		return err
	}
	s.sendSeq++
	s.state = streamHalfClosed
	return nil
}

// Close implements [net.Conn]. Closing sends a best-effort
// end-of-stream so the peer's reads terminate cleanly, then unblocks
// any pending local I/O.
func (s *Stream) Close() error {
	s.eofOnce.Do(func() {
		s.mu.Lock()
		if s.state == streamOpen {
			fin := &Payload{Flags: FlagFIN}
			if s.ep.Send(s.peer, dataTag(s.connID, s.sendSeq), fin) == nil {
				s.sendSeq++
			}
		}
		s.state = streamClosed
		s.mu.Unlock()
		s.unwatchLocal()
		s.unwatchPeer()
		close(s.eof)
	})
	return nil
}

// discard tears the stream down without notifying the peer. The
// accept loop uses it when the acknowledgement cannot be delivered.
func (s *Stream) discard() {
	s.eofOnce.Do(func() {
		s.mu.Lock()
		s.state = streamClosed
		s.mu.Unlock()
		s.unwatchLocal()
		s.unwatchPeer()
		close(s.eof)
	})
}

// ConnID returns the connection ID assigned during the handshake.
func (s *Stream) ConnID() uint64 {
	return s.connID
}

// LocalAddr implements [net.Conn].
func (s *Stream) LocalAddr() net.Addr {
	return &Addr{s.laddr}
}

// RemoteAddr implements [net.Conn].
func (s *Stream) RemoteAddr() net.Addr {
	return &Addr{s.raddr}
}

// SetDeadline implements [net.Conn].
func (s *Stream) SetDeadline(t time.Time) error {
	s.rd.Set(t)
	s.wd.Set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.rd.Set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.wd.Set(t)
	return nil
}
