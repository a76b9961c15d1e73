// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker manages the background goroutines of a component.  Embed
// a Worker, start goroutines with Go and stop them all with Halt.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of goroutines sharing one halt signal.  The zero value
// is ready to use.
type Worker struct {
	wg       sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}

// Go runs fn in a new goroutine.  fn must return once HaltCh is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh and waits for every goroutine started with Go.  It is
// safe to call more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.wg.Wait()
}

// HaltCh is closed by Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// IsHalted returns true once Halt was called.
func (w *Worker) IsHalted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

// HaltContext derives a context from parent that is done once the worker
// halts.  Call the CancelFunc to release its watcher.
func (w *Worker) HaltContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	haltCh := w.HaltCh()
	go func() {
		select {
		case <-haltCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
