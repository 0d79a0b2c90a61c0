// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package future implements the runtime's asynchronous completion core
// (component C4, spec.md §4.4): composable futures and promises with
// dependency counting, plus then/when_all combinators. Continuations
// are delivered into a persona's queue at the user progress level, per
// spec.md §4.5.
//
// Grounded on the teacher's exec/task.go Task state machine: a
// ctxsync.Cond-guarded object that transitions state exactly once and
// wakes waiters, generalized here from "one task, one terminal state"
// to "one promise, an anonymous dependency count plus a result".
package future

import (
	"context"
	"errors"
	"sync"

	"github.com/pgasgo/pgas/diag"
	"github.com/pgasgo/pgas/internal/ctxsync"
	"github.com/pgasgo/pgas/persona"
)

type header[T any] struct {
	mu           sync.Mutex
	cond         *ctxsync.Cond
	pendingCount int
	hasResult    bool
	value        T
	err          error
	ready        bool
	conts        []func(T)

	// enqueuedOn records the persona ID that this promise's
	// fulfillment is currently associated with, to catch the
	// cross-persona-enqueue programming error spec.md §4.4 calls out
	// ("a promise must not be enqueued in more than one persona's
	// queue simultaneously"). Zero means not yet associated.
	enqueuedOn uint64
}

func newHeader[T any](requirement int) *header[T] {
	h := &header[T]{pendingCount: requirement}
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

// Future is a one-shot asynchronous value: either pending, or holding
// a result of type T. The zero value is not usable; obtain one from a
// Promise, Make, Then, or a When* combinator.
type Future[T any] struct {
	h *header[T]
}

// Promise is the producer side of a Future: it carries an explicit
// anonymous dependency count plus zero-or-one installed result.
type Promise[T any] struct {
	h *header[T]
}

// NewPromise creates a promise requiring requirement calls to
// FulfillAnonymous(1) (or the moral equivalent via FulfillAnonymous(k))
// plus exactly one FulfillResult before it becomes ready.
func NewPromise[T any](requirement int) Promise[T] {
	return Promise[T]{h: newHeader[T](requirement)}
}

// Future returns the future observing this promise's result.
func (p Promise[T]) Future() Future[T] {
	return Future[T]{h: p.h}
}

// RequireAnonymous increases the promise's pending dependency count by
// k. It must be called before the count would otherwise reach zero.
func (p Promise[T]) RequireAnonymous(k int) {
	p.h.mu.Lock()
	p.h.pendingCount += k
	p.h.mu.Unlock()
}

// FulfillAnonymous decreases the pending dependency count by k,
// possibly making the promise ready if a result has also been
// installed. cur is the persona on whose queue any resulting
// continuations are enqueued; it also participates in the
// single-persona-enqueue check.
func (p Promise[T]) FulfillAnonymous(cur *persona.Persona, k int) {
	p.h.mu.Lock()
	p.h.pendingCount -= k
	p.checkPersonaLocked(cur)
	p.maybeReadyLocked(cur)
	p.h.mu.Unlock()
}

// FulfillResult installs the promise's result. It counts as one
// anonymous fulfillment is NOT implied: per spec.md §4.4, the promise
// becomes ready when both the result is installed and the pending
// count has independently reached zero via FulfillAnonymous calls.
func (p Promise[T]) FulfillResult(cur *persona.Persona, v T) {
	p.h.mu.Lock()
	p.h.value = v
	p.h.hasResult = true
	p.checkPersonaLocked(cur)
	p.maybeReadyLocked(cur)
	p.h.mu.Unlock()
}

// checkPersonaLocked enforces that a given promise is only ever
// associated with a single persona's queue at a time; h.mu must be
// held. Violations are a programming error (spec.md §4.4) and are
// fatal in checked builds.
func (p Promise[T]) checkPersonaLocked(cur *persona.Persona) {
	if cur == nil || !diag.Checked {
		return
	}
	if p.h.enqueuedOn == 0 {
		p.h.enqueuedOn = cur.ID
		return
	}
	if p.h.enqueuedOn != cur.ID {
		diag.Fatalf(1, "promise fulfilled from persona %d after being associated with persona %d", cur.ID, p.h.enqueuedOn)
	}
}

func (p Promise[T]) maybeReadyLocked(cur *persona.Persona) {
	if p.h.ready || !p.h.hasResult || p.h.pendingCount > 0 {
		return
	}
	p.h.ready = true
	conts := p.h.conts
	p.h.conts = nil
	value := p.h.value
	p.h.cond.Broadcast()
	if cur != nil {
		for _, fn := range conts {
			fn := fn
			cur.EnqueueLPC(persona.LevelUser, func() { fn(value) })
		}
	} else {
		for _, fn := range conts {
			fn(value)
		}
	}
}

// Ready reports whether the future currently holds a result.
func (f Future[T]) Ready() bool {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	return f.h.ready
}

// Wait blocks until the future is ready, cooperatively calling
// cur.Progress(persona.LevelUser) — the sole blocking primitive
// described in spec.md §4.5. If cur is nil, Wait instead blocks on the
// internal condition variable without driving progress itself (useful
// in tests where another goroutine drives progress independently).
func (f Future[T]) Wait(ctx context.Context, cur *persona.Persona) (T, error) {
	if cur != nil {
		for !f.Ready() {
			cur.Progress(persona.LevelUser)
			if !f.Ready() {
				select {
				case <-ctx.Done():
					var zero T
					return zero, ctx.Err()
				default:
				}
			}
		}
		f.h.mu.Lock()
		v, err := f.h.value, f.h.err
		f.h.mu.Unlock()
		return v, err
	}
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	for !f.h.ready {
		if err := f.h.cond.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return f.h.value, f.h.err
}

// Then installs a continuation that runs when f becomes ready and
// returns a future of the continuation's result. If f is already
// ready, the continuation is pushed onto cur's queue at the user
// progress level (or run immediately, in the calling goroutine, if cur
// is nil). Otherwise it is queued at the user level on the persona
// passed to the fulfill call that makes f ready (or run by that call
// if it passes a nil persona).
func Then[T, U any](f Future[T], cur *persona.Persona, fn func(T) U) Future[U] {
	p := NewPromise[U](0)
	install := func(v T) {
		p.FulfillResult(cur, fn(v))
	}
	f.h.mu.Lock()
	if f.h.ready {
		v := f.h.value
		f.h.mu.Unlock()
		if cur != nil {
			cur.EnqueueLPC(persona.LevelUser, func() { install(v) })
		} else {
			install(v)
		}
	} else {
		f.h.conts = append(f.h.conts, install)
		f.h.mu.Unlock()
	}
	return p.Future()
}

// Make returns an immediately ready future holding v.
func Make[T any](v T) Future[T] {
	p := NewPromise[T](0)
	p.FulfillResult(nil, v)
	return p.Future()
}

// FromError returns an immediately ready future whose Wait/Value calls
// report err. There is no corresponding construct in spec.md — remote
// RPC and RMA failures are otherwise fatal per spec.md §7 — but the
// copy engine's local setup failures (a malformed endpoint pair, a
// bounce allocation failure) are synchronous, recoverable call-site
// errors, so they are reported this way rather than via diag.Fatalf.
func FromError[T any](err error) Future[T] {
	h := newHeader[T](0)
	h.ready = true
	h.hasResult = true
	h.err = err
	return Future[T]{h: h}
}

// errNotReady is returned by Value if called on a pending future; it
// exists only to give test code a typed sentinel without exporting
// header internals.
var errNotReady = errors.New("future: value requested before ready")

// Value returns the installed result without blocking, failing if the
// future is not yet ready.
func (f Future[T]) Value() (T, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if !f.h.ready {
		var zero T
		return zero, errNotReady
	}
	return f.h.value, f.h.err
}
