// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package persona

import (
	"errors"
	"sync"
)

// errMasterNotLiberated is returned by AcquireMaster when called before
// LiberateMaster.
var errMasterNotLiberated = errors.New("persona: master persona has not been liberated")

// ThreadContext stands in for one OS thread's active-persona stack.
// Applications create exactly one ThreadContext per goroutine that
// will drive the runtime (in single-threaded mode, just the one
// running main) and pass it to Push/Current instead of relying on
// goroutine-local state.
type ThreadContext struct {
	mu    sync.Mutex
	stack []*Persona
}

// NewThreadContext creates an empty active-persona stack.
func NewThreadContext() *ThreadContext {
	return &ThreadContext{}
}

// Current returns the top of the active-persona stack, or nil if no
// persona is currently active on this thread.
func (t *ThreadContext) Current() *Persona {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// Scope is the guard returned by Push; callers must call Pop exactly
// once, typically via defer, mirroring the source's persona_scope
// destructor.
type Scope struct {
	t    *ThreadContext
	mu   *sync.Mutex
	done bool
}

// Push pushes p onto t's active stack and returns a Scope that pops it
// on Pop. If mu is non-nil, Push first acquires it (serializing the
// handoff of p across threads, per spec.md §4.5's mutex option) and
// Pop releases it.
func Push(t *ThreadContext, p *Persona, mu *sync.Mutex) *Scope {
	if mu != nil {
		mu.Lock()
	}
	t.mu.Lock()
	t.stack = append(t.stack, p)
	t.mu.Unlock()
	return &Scope{t: t, mu: mu}
}

// Pop pops the persona this scope pushed, restoring the previous top
// of the stack, and releases the handoff mutex if one was supplied.
func (s *Scope) Pop() {
	if s.done {
		return
	}
	s.done = true
	s.t.mu.Lock()
	s.t.stack = s.t.stack[:len(s.t.stack)-1]
	s.t.mu.Unlock()
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// masterMu guards the master persona's handoff once it has been
// liberated from the main thread, so that any thread may acquire it
// through a Scope.
var (
	masterMu      sync.Mutex
	master        *Persona
	masterLiberated bool
)

// SetMaster installs p as the process-wide master persona. Called
// once by the root pgas package during Init; the master persona
// exists for the entire initialized lifetime of the process.
func SetMaster(p *Persona) {
	masterMu.Lock()
	master = p
	masterMu.Unlock()
}

// Master returns the process-wide master persona.
func Master() *Persona {
	masterMu.Lock()
	defer masterMu.Unlock()
	return master
}

// LiberateMaster marks the master persona as eligible to be acquired
// by any thread via Push(..., Master(), &MasterMutex), rather than
// being bound to the thread that called Init. Mirrors the source's
// "liberation" of the master persona.
func LiberateMaster() {
	masterMu.Lock()
	masterLiberated = true
	masterMu.Unlock()
}

// MasterLiberated reports whether LiberateMaster has been called.
func MasterLiberated() bool {
	masterMu.Lock()
	defer masterMu.Unlock()
	return masterLiberated
}

// MasterMutex serializes acquisition of the liberated master persona
// across threads; pass it as the mu argument to Push when acquiring
// the master persona from a non-owning thread.
var MasterMutex sync.Mutex

// AcquireMaster pushes the liberated master persona onto t's active
// stack, serializing the handoff through mu (typically &MasterMutex).
// It fails if LiberateMaster has not yet been called: an
// un-liberated master persona remains bound to whichever thread
// called Init and must not be acquired elsewhere. Callers release the
// acquisition by calling Pop on the returned Scope.
func AcquireMaster(t *ThreadContext, mu *sync.Mutex) (*Scope, error) {
	if !MasterLiberated() {
		return nil, errMasterNotLiberated
	}
	return Push(t, Master(), mu), nil
}
