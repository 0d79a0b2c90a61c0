// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"sync"

	"github.com/pgasgo/pgas/persona"
)

// AnyFuture is implemented by Future[T] for every T; it erases the
// result type so that WhenAll can compose futures of heterogeneous
// element types, the way spec.md's when_all(fs...) concatenates
// result tuples of different shapes.
type AnyFuture interface {
	ready() bool
	onReady(cur *persona.Persona, fn func())
}

func (f Future[T]) ready() bool { return f.Ready() }

func (f Future[T]) onReady(cur *persona.Persona, fn func()) {
	f.h.mu.Lock()
	if f.h.ready {
		f.h.mu.Unlock()
		if cur != nil {
			cur.EnqueueLPC(persona.LevelUser, fn)
		} else {
			fn()
		}
		return
	}
	f.h.conts = append(f.h.conts, func(T) { fn() })
	f.h.mu.Unlock()
}

// WhenAll returns a future whose readiness is the conjunction of all
// of fs: it becomes ready exactly when every input is ready. Empty
// WhenAll() is ready immediately, per spec.md §4.4.
func WhenAll(cur *persona.Persona, fs ...AnyFuture) Future[struct{}] {
	p := NewPromise[struct{}](len(fs))
	if len(fs) == 0 {
		p.FulfillResult(cur, struct{}{})
		return p.Future()
	}
	for _, f := range fs {
		f := f
		f.onReady(cur, func() {
			p.FulfillAnonymous(cur, 1)
		})
	}
	// Install the (vacuous) result once all dependencies resolve;
	// FulfillResult with no payload just flips hasResult so that the
	// pending-count-reaches-zero transition in FulfillAnonymous is what
	// actually drives readiness.
	p.FulfillResult(cur, struct{}{})
	return p.Future()
}

// When2 composes two typed futures into a future of both results, the
// common-case, non-erased form of when_all used when the result tuple
// shape is known at compile time.
func When2[A, B any](cur *persona.Persona, fa Future[A], fb Future[B]) Future[[2]interface{}] {
	p := NewPromise[[2]interface{}](2)
	var (
		mu     sync.Mutex
		result [2]interface{}
	)
	commit := func() {
		mu.Lock()
		v := result
		mu.Unlock()
		p.h.mu.Lock()
		p.h.value = v
		p.h.hasResult = true
		p.h.mu.Unlock()
	}
	fa.onReady(cur, func() {
		v, _ := fa.Value()
		mu.Lock()
		result[0] = v
		mu.Unlock()
		commit()
		p.FulfillAnonymous(cur, 1)
	})
	fb.onReady(cur, func() {
		v, _ := fb.Value()
		mu.Lock()
		result[1] = v
		mu.Unlock()
		commit()
		p.FulfillAnonymous(cur, 1)
	})
	return p.Future()
}

// When3 is the three-argument form of When2.
func When3[A, B, C any](cur *persona.Persona, fa Future[A], fb Future[B], fc Future[C]) Future[[3]interface{}] {
	p := NewPromise[[3]interface{}](3)
	var (
		mu     sync.Mutex
		result [3]interface{}
	)
	commit := func() {
		mu.Lock()
		v := result
		mu.Unlock()
		p.h.mu.Lock()
		p.h.value = v
		p.h.hasResult = true
		p.h.mu.Unlock()
	}
	fa.onReady(cur, func() {
		v, _ := fa.Value()
		mu.Lock()
		result[0] = v
		mu.Unlock()
		commit()
		p.FulfillAnonymous(cur, 1)
	})
	fb.onReady(cur, func() {
		v, _ := fb.Value()
		mu.Lock()
		result[1] = v
		mu.Unlock()
		commit()
		p.FulfillAnonymous(cur, 1)
	})
	fc.onReady(cur, func() {
		v, _ := fc.Value()
		mu.Lock()
		result[2] = v
		mu.Unlock()
		commit()
		p.FulfillAnonymous(cur, 1)
	})
	return p.Future()
}
