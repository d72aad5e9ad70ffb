// SPDX-License-Identifier: GPL-3.0-or-later

// Package closepool pools [io.Closer] instances and releases
// them with a single operation.
package closepool

import (
	"errors"
	"io"
	"slices"
	"sync"
)

// CloserFunc adapts a function to the [io.Closer] interface.
type CloserFunc func() error

// Close implements [io.Closer].
func (fx CloserFunc) Close() error {
	return fx()
}

// Pool collects [io.Closer] instances to close together.
//
// The zero value is ready to use. Methods are goroutine safe.
type Pool struct {
	// closers contains the registered closers.
	closers []io.Closer

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// Add registers an [io.Closer] with the pool.
func (p *Pool) Add(closer io.Closer) {
	p.mu.Lock()
	p.closers = append(p.closers, closer)
	p.mu.Unlock()
}

// AddFunc registers a cleanup function with the pool.
func (p *Pool) AddFunc(fx func() error) {
	p.Add(CloserFunc(fx))
}

// Close closes the registered closers in reverse registration order,
// so resources close before the resources they were built upon. The
// returned error joins all the errors that occurred. Closing empties
// the pool, which stays usable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	var errv []error
	for _, closer := range slices.Backward(closers) {
		if err := closer.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}
