// SPDX-License-Identifier: GPL-3.0-or-later

// Package streaming implements typed message streams on top of raw
// endpoint tags.
//
// A stream occupies a contiguous range of tags starting at a tag the
// two sides agreed upon out of band, typically one allocated with
// [netsim.Endpoint.AllocateTag] and exchanged during a handshake. The
// [*Sender] posts the Nth item at tag+N and the [*Streaming] consumes
// the tags in the same order, so items arrive exactly in send order.
package streaming

import (
	"context"
	"iter"
	"net"
	"sync"

	"github.com/madsys-dev/madsim/netsim"
	"github.com/madsys-dev/madsim/netsim/payload"
	"github.com/madsys-dev/madsim/task"
)

// Streaming receives a typed stream of items sent by a [*Sender].
//
// Construct using [New]. A [*Streaming] expects a single consumer
// goroutine; it is not safe for concurrent use.
type Streaming[T any] struct {
	// closeOnce ensures we cancel the sender just once.
	closeOnce sync.Once

	// done records that the stream terminated.
	done bool

	// ep is the receiving endpoint.
	ep *netsim.Endpoint

	// err is the terminating error, if any.
	err error

	// sender is the optional task feeding the peer.
	sender *task.Handle

	// tag is the next tag to consume.
	tag uint64
}

// New creates a [*Streaming] receiving items of type T at successive
// tags starting from tag.
//
// The optional sender handle is the task feeding our requests to the
// peer; it is canceled as soon as the stream terminates or is closed,
// so an abandoned stream does not keep its sender running. Pass nil
// when there is no sender to control.
func New[T any](ep *netsim.Endpoint, tag uint64, sender *task.Handle) *Streaming[T] {
	return &Streaming[T]{
		closeOnce: sync.Once{},
		done:      false,
		ep:        ep,
		err:       nil,
		sender:    sender,
		tag:       tag,
	}
}

// Message receives the next item.
//
// It returns a nil item and a nil error at the end of the stream. An
// error terminates the stream: further calls return the same error.
// The possible errors are those of [netsim.Endpoint.Recv], plus
// [netsim.EINVAL] when the peer sent an item of the wrong type and
// [net.ErrClosed] after [Streaming.Close].
func (s *Streaming[T]) Message(ctx context.Context) (*T, error) {
	if s.done {
		return nil, s.err
	}
	p, _, err := s.ep.Recv(ctx, s.tag)
	if err != nil {
		s.terminate(err)
		return nil, err
	}
	if p.Flags&payload.FlagFIN != 0 {
		s.terminate(nil)
		return nil, nil
	}
	item, good := p.Value.(T)
	if !good {
		err := error(netsim.EINVAL)
		s.terminate(err)
		return nil, err
	}
	s.tag++
	return &item, nil
}

// Seq returns a single-use iterator over the remaining items. The
// iterator stops at the end of the stream or on the first error, in
// which case it yields a nil item along with the error. The stream is
// closed when the iteration stops, including via break.
func (s *Streaming[T]) Seq(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		defer s.Close()
		for {
			item, err := s.Message(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if item == nil {
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// terminate records the stream end and stops the sender.
func (s *Streaming[T]) terminate(err error) {
	s.done = true
	s.err = err
	s.Close()
}

// Close cancels the request sender, if any, and terminates the
// stream. Closing an already terminated stream only stops the sender
// and keeps the original terminating error.
func (s *Streaming[T]) Close() error {
	s.closeOnce.Do(func() {
		if !s.done {
			s.done = true
			s.err = net.ErrClosed
		}
		if s.sender != nil {
			s.sender.Cancel()
		}
	})
	return nil
}

// Sender sends a typed stream of items towards a [*Streaming]
// consuming successive tags starting from the same initial tag.
//
// Construct using [NewSender]. A [*Sender] expects a single producer
// goroutine; it is not safe for concurrent use.
type Sender[T any] struct {
	// dst is the receiving node.
	dst payload.NodeID

	// ep is the sending endpoint.
	ep *netsim.Endpoint

	// tag is the next tag to use.
	tag uint64
}

// NewSender creates a [*Sender] posting items of type T to the given
// node at successive tags starting from tag.
func NewSender[T any](ep *netsim.Endpoint, dst payload.NodeID, tag uint64) *Sender[T] {
	return &Sender[T]{
		dst: dst,
		ep:  ep,
		tag: tag,
	}
}

// Send delivers the next item. The possible errors are those of
// [netsim.Endpoint.Send].
func (sx *Sender[T]) Send(item T) error {
	p := &payload.Payload{Value: item}
	if err := sx.ep.Send(sx.dst, sx.tag, p); err != nil {
		return err
	}
	sx.tag++
	return nil
}

// End marks the end of the stream. The receiver observes it as a
// clean termination after consuming every preceding item.
func (sx *Sender[T]) End() error {
	p := &payload.Payload{Flags: payload.FlagFIN}
	if err := sx.ep.Send(sx.dst, sx.tag, p); err != nil {
		return err
	}
	sx.tag++
	return nil
}
