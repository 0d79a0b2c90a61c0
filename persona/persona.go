// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package persona implements the per-thread ownership and progress
// scheduling described in spec.md §4.5 (component C5): a Persona owns
// a queue of outstanding network-handle callbacks and queues of
// deferred lpc closures keyed by progress level, and is active on at
// most one thread at a time.
//
// Idiomatic Go avoids goroutine-local storage, so where the source
// keeps the active-persona stack as real thread-local state, this
// package instead threads an explicit ThreadContext token through
// calls on one goroutine (see ThreadContext in scope.go); this is the
// one deliberate deviation from the source's thread model.
package persona

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/status"

	"github.com/pgasgo/pgas/transport"
)

// Level is the progress tier at which a deferred closure runs.
type Level int

const (
	// LevelInternal closures run during any progress cycle; used for
	// bookkeeping and callback fan-out.
	LevelInternal Level = iota
	// LevelUser closures (user-visible continuations, RPC bodies) only
	// run when the application explicitly calls Progress(LevelUser).
	LevelUser
	numLevels
)

func (l Level) String() string {
	if l == LevelInternal {
		return "internal"
	}
	return "user"
}

var nextID uint64

type handleEntry struct {
	h       transport.Handle
	execute func()
}

// Persona is a logical agent for asynchronous work: a named owner of
// completion queues. The zero value is not usable; construct with New.
type Persona struct {
	ID uint64

	mu      sync.Mutex
	handles []handleEntry
	queues  [numLevels][]func()
	status  *status.Task
}

// New creates a persona. group, if non-nil, is used to report queue
// depth, mirroring the teacher's use of a *status.Group to surface
// live task counts.
func New(group *status.Group, name string) *Persona {
	p := &Persona{ID: atomic.AddUint64(&nextID, 1)}
	if group != nil {
		p.status = group.Startf("persona %s", name)
	}
	return p
}

// EnqueueHandle registers a network handle and its completion
// callback; Progress polls it on every call until it is done, then
// runs execute exactly once and drops the entry ("execute_and_delete").
func (p *Persona) EnqueueHandle(h transport.Handle, execute func()) {
	p.mu.Lock()
	p.handles = append(p.handles, handleEntry{h: h, execute: execute})
	p.mu.Unlock()
}

// EnqueueLPC pushes a local-procedure-call closure onto the queue for
// level. Closures run in FIFO order when Progress is next called at a
// level that drains that queue.
func (p *Persona) EnqueueLPC(level Level, fn func()) {
	p.mu.Lock()
	p.queues[level] = append(p.queues[level], fn)
	p.mu.Unlock()
	p.report()
}

func (p *Persona) report() {
	if p.status == nil {
		return
	}
	p.mu.Lock()
	n := len(p.queues[LevelInternal]) + len(p.queues[LevelUser]) + len(p.handles)
	p.mu.Unlock()
	p.status.Printf("queued=%d", n)
}

// pollHandles drains any handle callbacks whose network operation has
// completed. It never blocks: handles not yet done are put back.
func (p *Persona) pollHandles() {
	p.mu.Lock()
	remaining := p.handles[:0]
	var ready []func()
	for _, e := range p.handles {
		if e.h.Done() {
			ready = append(ready, e.execute)
		} else {
			remaining = append(remaining, e)
		}
	}
	p.handles = remaining
	p.mu.Unlock()
	for _, fn := range ready {
		fn()
	}
}

func (p *Persona) drain(level Level) {
	p.mu.Lock()
	q := p.queues[level]
	p.queues[level] = nil
	p.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

// Progress performs one progress cycle: poll the network for completed
// handle callbacks, drain the internal lpc queue, and — only if level
// is LevelUser — drain the user lpc queue. Each drain runs the closures
// that were queued when it started; a closure that a running closure
// enqueues at the same level waits for a later Progress call.
func (p *Persona) Progress(level Level) {
	p.pollHandles()
	p.drain(LevelInternal)
	if level == LevelUser {
		p.drain(LevelUser)
	}
	p.report()
}

// ProgressRequired reports whether either queue, or the handle list,
// is non-empty.
func (p *Persona) ProgressRequired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles) > 0 || len(p.queues[LevelInternal]) > 0 || len(p.queues[LevelUser]) > 0
}

// Discharge repeats Progress(LevelInternal) until ProgressRequired is
// false; it is used to flush outgoing work before teardown or before a
// blocking wait.
func (p *Persona) Discharge() {
	for p.ProgressRequired() {
		p.Progress(LevelInternal)
	}
}
