// SPDX-License-Identifier: GPL-3.0-or-later

// Package task runs background goroutines with explicit
// cancellation and error collection.
package task

import (
	"context"
	"io"
)

// Handle controls a background task started by [Spawn].
type Handle struct {
	// cancel cancels the task context.
	cancel context.CancelFunc

	// done is closed when the task has returned.
	done chan struct{}

	// err is the task result, valid after done is closed.
	err error
}

// Ensure [*Handle] implements [io.Closer].
var _ io.Closer = &Handle{}

// Spawn runs fn in a background goroutine and returns the [*Handle]
// controlling it. The context passed to fn is canceled by
// [Handle.Cancel] and, at the latest, when fn returns.
func Spawn(ctx context.Context, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		err:    nil,
	}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = fn(ctx)
	}()
	return h
}

// Cancel requests the task to stop. It does not wait for it.
func (h *Handle) Cancel() {
	h.cancel()
}

// Close implements [io.Closer] like [Handle.Cancel] does.
func (h *Handle) Close() error {
	h.cancel()
	return nil
}

// Done returns the channel closed once the task has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task returns, then returns the task's error,
// or gives up with the context error when ctx expires first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
