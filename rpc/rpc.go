// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rpc implements the active-message and RPC pipeline
// (component C6, spec.md §4.6): eager-vs-rendezvous dispatch of packed
// bound callables, execution at a chosen progress level on the
// recipient, and return-value delivery back to the originating
// persona.
//
// Grounded on the teacher's exec/bigmachine.go dispatch loop (pack an
// invocation, ship it, retry transient transport failures with
// retry.Backoff, await completion) and exec/invocation.go's argument
// marshaling.
package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"

	"github.com/pgasgo/pgas/future"
	"github.com/pgasgo/pgas/heap"
	"github.com/pgasgo/pgas/persona"
	"github.com/pgasgo/pgas/transport"
	"github.com/pgasgo/pgas/wire"
)

// retryPolicy governs retries of a transient transport-level send
// failure (e.g. a momentarily full send queue). It never retries the
// RPC body itself: per spec.md §7, remote RPC exceptions are not
// propagated or retried, only the act of getting the envelope onto
// the wire is.
var retryPolicy = retry.Backoff(10*time.Millisecond, 200*time.Millisecond, 1.5)

const (
	tagAM uint32 = 0xdead0001
)

// Runtime binds an rpc pipeline to a transport and a rank's set of
// personas. One Runtime exists per process.
type Runtime struct {
	t      transport.Transport
	master *persona.Persona
	stage  *heap.Segment

	mu       sync.RWMutex
	personas map[uint64]*persona.Persona
	pending  map[uint64]pendingCall

	nextCallID uint64
}

type pendingCall struct {
	fulfill func(results []interface{}, err error)
}

// NewRuntime creates an rpc Runtime over t, registers t's active
// message handler, and binds master as the persona that owns
// SendAMMaster/rpc/rpc_ff traffic when no specific persona is named.
// stage is the host shared segment used to stage envelopes too large
// for an eager send onto a rendezvous transfer; a nil stage means this
// process's rpc traffic is expected to never exceed EagerCutover (send
// fails outright if it does).
func NewRuntime(t transport.Transport, master *persona.Persona, stage *heap.Segment) *Runtime {
	r := &Runtime{
		t:        t,
		master:   master,
		stage:    stage,
		personas: map[uint64]*persona.Persona{master.ID: master},
		pending:  map[uint64]pendingCall{},
	}
	t.RegisterHandler(tagAM, r.handleAM)
	return r
}

// RegisterPersona makes p addressable as an AM/RPC target via
// SendAMPersona.
func (r *Runtime) RegisterPersona(p *persona.Persona) {
	r.mu.Lock()
	r.personas[p.ID] = p
	r.mu.Unlock()
}

// envelope is what actually travels on the wire for every active
// message the rpc package sends: which persona should run the
// callable, at what level, whether a reply is expected and for which
// call ID, and the packed BoundCall itself.
type envelope struct {
	PersonaID uint64
	Level     persona.Level
	CallID    uint64 // 0 unless this is an rpc() round trip
	IsReply   bool
	Results   []interface{} // only set when IsReply
	Err       string        // only set when IsReply and the body failed
	Call      wire.BoundCall
}

func (e envelope) marshal() ([]byte, error) {
	w := wire.NewWriter()
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:8], e.PersonaID)
	binary.LittleEndian.PutUint64(hdr[8:16], e.CallID)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(e.Level))
	if e.IsReply {
		hdr[20] = 1
	}
	w.WriteRaw(hdr[:])
	if e.IsReply {
		if err := w.GobEncode(e.Results); err != nil {
			return nil, err
		}
		if err := w.GobEncode(e.Err); err != nil {
			return nil, err
		}
		return w.Bytes(), nil
	}
	b, err := e.Call.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := w.GobEncode(b); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	r := wire.NewReader(data)
	hdr, err := r.ReadRaw(24)
	if err != nil {
		return envelope{}, err
	}
	e := envelope{
		PersonaID: binary.LittleEndian.Uint64(hdr[0:8]),
		CallID:    binary.LittleEndian.Uint64(hdr[8:16]),
		Level:     persona.Level(binary.LittleEndian.Uint32(hdr[16:20])),
		IsReply:   hdr[20] == 1,
	}
	if e.IsReply {
		if err := r.GobDecode(&e.Results); err != nil {
			return envelope{}, err
		}
		if err := r.GobDecode(&e.Err); err != nil {
			return envelope{}, err
		}
		return e, nil
	}
	var b []byte
	if err := r.GobDecode(&b); err != nil {
		return envelope{}, err
	}
	if err := e.Call.UnmarshalBinary(b); err != nil {
		return envelope{}, err
	}
	return e, nil
}

// send ships the envelope, choosing eager or rendezvous transport by
// comparing the payload size with the transport's EagerCutover, and
// retries failed transport sends with retryPolicy. An envelope that
// needs rendezvous on a Runtime with no staging segment fails at once.
func (r *Runtime) send(ctx context.Context, rank int32, e envelope) error {
	payload, err := e.marshal()
	if err != nil {
		return err
	}
	if len(payload) > r.t.EagerCutover() && r.stage == nil {
		return fmt.Errorf("rpc: envelope of %d bytes exceeds EagerCutover and this runtime has no staging segment for rendezvous", len(payload))
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if len(payload) <= r.t.EagerCutover() {
			lastErr = r.t.SendEager(ctx, rank, tagAM, payload)
		} else {
			lastErr = r.sendRendezvous(ctx, rank, payload)
		}
		if lastErr == nil {
			return nil
		}
		if werr := retry.Wait(ctx, retryPolicy, attempt); werr != nil {
			return fmt.Errorf("rpc: send to rank %d failed after %d attempts: %w", rank, attempt+1, lastErr)
		}
	}
}

// sendRendezvous stages payload in this rank's own host shared
// segment and notifies rank via transport.SendRendezvous, per
// spec.md §4.6's "larger commands travel by rendezvous". The staging
// buffer is reclaimed once SendRendezvous returns: every backend's
// contract is that the notification does not return until the
// payload bytes are no longer needed from the sender's segment (the
// loopback backend copies them out synchronously before notifying).
func (r *Runtime) sendRendezvous(ctx context.Context, rank int32, payload []byte) error {
	if r.stage == nil {
		return fmt.Errorf("rpc: envelope of %d bytes exceeds EagerCutover and this runtime has no staging segment for rendezvous", len(payload))
	}
	local, err := r.stage.Heap.Allocate(uintptr(len(payload)), 1)
	if err != nil {
		return fmt.Errorf("rpc: staging %d-byte envelope for rendezvous: %w", len(payload), err)
	}
	defer r.stage.Heap.Deallocate(local, uintptr(len(payload)))
	copy(r.stage.Heap.Bytes()[local:], payload)
	return r.t.SendRendezvous(ctx, rank, tagAM, uint64(local), len(payload))
}

func (r *Runtime) handleAM(ctx context.Context, senderRank int32, payload []byte) {
	e, err := unmarshalEnvelope(payload)
	if err != nil {
		log.Error.Printf("rpc: malformed active message from rank %d: %v", senderRank, err)
		return
	}
	if e.IsReply {
		r.mu.Lock()
		pc, ok := r.pending[e.CallID]
		delete(r.pending, e.CallID)
		r.mu.Unlock()
		if !ok {
			log.Error.Printf("rpc: reply for unknown call %d from rank %d", e.CallID, senderRank)
			return
		}
		var rerr error
		if e.Err != "" {
			rerr = fmt.Errorf("rpc: remote error: %s", e.Err)
		}
		pc.fulfill(e.Results, rerr)
		return
	}

	r.mu.RLock()
	target, ok := r.personas[e.PersonaID]
	r.mu.RUnlock()
	if !ok {
		target = r.master
	}
	target.EnqueueLPC(e.Level, func() {
		results, execErr := e.Call.Execute(target)
		if e.CallID == 0 {
			// Fire-and-forget: no reply expected.
			if execErr != nil {
				log.Error.Printf("rpc: fire-and-forget call %s from rank %d failed: %v", e.Call.Fn.Name(), senderRank, execErr)
			}
			return
		}
		reply := envelope{CallID: e.CallID, IsReply: true, Results: results}
		if execErr != nil {
			reply.Err = execErr.Error()
		}
		if err := r.send(ctx, senderRank, reply); err != nil {
			log.Error.Printf("rpc: sending reply for call %d to rank %d: %v", e.CallID, senderRank, err)
		}
	})
}

// SendAMMaster packs fn, ships it to rank, and arranges for it to run
// on the recipient's master persona at the given progress level.
// Source completion is trivial: the returned error only reflects
// whether the send itself succeeded.
func (r *Runtime) SendAMMaster(ctx context.Context, rank int32, level persona.Level, fn wire.BoundCall) error {
	return r.send(ctx, rank, envelope{Level: level, Call: fn})
}

// SendAMPersona is like SendAMMaster but targets a specific persona
// (identified by ID) on the recipient.
func (r *Runtime) SendAMPersona(ctx context.Context, rank int32, personaID uint64, level persona.Level, fn wire.BoundCall) error {
	return r.send(ctx, rank, envelope{PersonaID: personaID, Level: level, Call: fn})
}

// FireAndForget binds fn to args and ships it via SendAMMaster at the
// user level, per spec.md §4.6's rpc_ff. Its own returned future
// (empty tuple) is ready on return, since source completion for
// rpc_ff is trivial.
func (r *Runtime) FireAndForget(ctx context.Context, rank int32, fn wire.Func, args ...interface{}) (future.Future[struct{}], error) {
	bc := wire.Bind(fn, args...)
	if err := r.SendAMMaster(ctx, rank, persona.LevelUser, bc); err != nil {
		return future.Future[struct{}]{}, err
	}
	return future.Make(struct{}{}), nil
}

// Call implements spec.md §4.6's round-trip rpc(): the recipient runs
// the bound callable and, once done, replies with an active message
// that fulfills the returned future on cur.
func (r *Runtime) Call(ctx context.Context, cur *persona.Persona, rank int32, fn wire.Func, args ...interface{}) future.Future[[]interface{}] {
	bc := wire.Bind(fn, args...)
	callID := atomic.AddUint64(&r.nextCallID, 1)
	p := future.NewPromise[[]interface{}](1)

	r.mu.Lock()
	r.pending[callID] = pendingCall{fulfill: func(results []interface{}, err error) {
		if err != nil {
			// Remote execution errors abort the process per spec.md §7
			// ("remote RPC exceptions are not propagated across ranks");
			// here we still deliver a best-effort empty result so a
			// caller polling the future does not hang, but log loudly.
			log.Error.Printf("rpc: call %d to rank %d returned error: %v", callID, rank, err)
			results = nil
		}
		p.FulfillResult(cur, results)
		p.FulfillAnonymous(cur, 1)
	}}
	r.mu.Unlock()

	env := envelope{PersonaID: 0, Level: persona.LevelUser, CallID: callID, Call: bc}
	if err := r.send(ctx, rank, env); err != nil {
		r.mu.Lock()
		delete(r.pending, callID)
		r.mu.Unlock()
		p.FulfillResult(cur, nil)
		p.FulfillAnonymous(cur, 1)
	}
	return p.Future()
}
