// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rma implements one-sided put/get (component C7, spec.md
// §4.7): translating a global pointer to a rank and local address via
// gptr.SegmentMap, issuing the transfer through transport.Transport,
// and delivering completion to whichever sinks the caller's
// Completions names.
//
// Grounded on the teacher's exec/bigmachine.go worker-offer channel
// (bounding outstanding work with a semaphore) for outstanding-handle
// limiting, and on persona.Persona's handle-queue for polling transfer
// completion cooperatively rather than blocking a goroutine per
// operation.
package rma

import (
	"context"
	"fmt"

	"github.com/grailbio/base/limiter"

	"github.com/pgasgo/pgas/future"
	"github.com/pgasgo/pgas/gptr"
	"github.com/pgasgo/pgas/persona"
	"github.com/pgasgo/pgas/transport"
)

// CompletionKind selects what a Completions field does when its event
// fires.
type CompletionKind int

const (
	// NoOp discards the event.
	NoOp CompletionKind = iota
	// ToFuture resolves the future.Future[struct{}] the operation
	// returns for this event.
	ToFuture
	// ToPromise fulfills an externally supplied promise, letting one
	// promise aggregate completions across several operations (used by
	// xfer to join the legs of a multi-stage copy).
	ToPromise
)

// Sink names how one completion event (source_cx / operation_cx /
// remote_cx in spec.md §4.7's terms) is delivered.
type Sink struct {
	Kind    CompletionKind
	Promise future.Promise[struct{}] // used when Kind == ToPromise
}

// Completions binds a Put or Get's two local completion events. Source
// completion fires when the caller's own buffer is safe to reuse
// (for Put, once src has been read; for Get, once dest has been
// written); operation completion fires once the transfer is durable
// at the remote side. Remote-side completion notification (waking a
// persona on the target rank) is out of scope for this runtime's
// loopback transport and is left to rpc for cases that need it.
type Completions struct {
	Source    Sink
	Operation Sink
}

// FutureSource returns Completions with Source routed to a returned
// future and Operation discarded — the common case for a fire-and-poll
// Put where the caller only cares that its buffer is reusable.
func FutureSource() Completions {
	return Completions{Source: Sink{Kind: ToFuture}}
}

// FutureOperation returns Completions with Operation routed to a
// returned future — the common case for Get, where the caller cares
// when dest has actually been filled.
func FutureOperation() Completions {
	return Completions{Operation: Sink{Kind: ToFuture}}
}

// prepare readies a Sink before the operation it belongs to is issued:
// it returns the future the caller must hand back immediately (the
// zero Future if s does not route to one) and a fulfill func to invoke
// once the underlying transfer actually completes. Splitting this from
// the fulfillment lets the future exist (and be safely Ready/Waited)
// before an async transport handle has finished.
func prepare(s Sink) (future.Future[struct{}], func(cur *persona.Persona)) {
	switch s.Kind {
	case ToFuture:
		p := future.NewPromise[struct{}](1)
		return p.Future(), func(cur *persona.Persona) {
			p.FulfillResult(cur, struct{}{})
			p.FulfillAnonymous(cur, 1)
		}
	case ToPromise:
		return future.Future[struct{}]{}, func(cur *persona.Persona) {
			s.Promise.FulfillResult(cur, struct{}{})
			s.Promise.FulfillAnonymous(cur, 1)
		}
	default: // NoOp
		return future.Future[struct{}]{}, func(cur *persona.Persona) {}
	}
}

// Engine binds one-sided operations to a transport, a segment map per
// heap index, and a cap on outstanding transfers.
type Engine struct {
	t        transport.Transport
	segments map[uint8]*gptr.SegmentMap
	outst    *limiter.Limiter
}

// NewEngine creates an Engine. maxOutstanding bounds concurrent
// in-flight transfers; 0 means unbounded.
func NewEngine(t transport.Transport, segments map[uint8]*gptr.SegmentMap, maxOutstanding int) *Engine {
	e := &Engine{t: t, segments: segments}
	if maxOutstanding > 0 {
		e.outst = limiter.New()
		e.outst.Release(int64(maxOutstanding))
	}
	return e
}

func (e *Engine) resolve(heapIdx uint8, raw gptr.RawPtr) (rank int32, local uintptr, err error) {
	sm, ok := e.segments[heapIdx]
	if !ok {
		return 0, 0, fmt.Errorf("rma: no segment map registered for heap index %d", heapIdx)
	}
	local, err = sm.Localize(raw.Rank, raw.Addr)
	if err != nil {
		return 0, 0, err
	}
	return raw.Rank, local, nil
}

// Put writes src into the memory identified by dst, driving completion
// per cx. cur is used to fulfill any future-routed completion sink
// immediately for the local-loopback case; for a remote destination
// completion is delivered once the transport handle reports done, via
// cur's persona queue.
func (e *Engine) Put(ctx context.Context, cur *persona.Persona, dst gptr.RawPtr, src []byte, cx Completions) (future.Future[struct{}], future.Future[struct{}], error) {
	srcF, fulfillSrc := prepare(cx.Source)
	opF, fulfillOp := prepare(cx.Operation)

	if e.outst != nil {
		if err := e.outst.Acquire(ctx, 1); err != nil {
			return srcF, opF, err
		}
	}

	local, ok := e.localAddr(dst)
	if ok {
		copy(e.t.RegisteredSegment(dst.HeapIdx)[local:], src)
		if e.outst != nil {
			e.outst.Release(1)
		}
		fulfillSrc(cur)
		fulfillOp(cur)
		return srcF, opF, nil
	}

	rank, localAddr, err := e.resolve(dst.HeapIdx, dst)
	if err != nil {
		if e.outst != nil {
			e.outst.Release(1)
		}
		return srcF, opF, err
	}
	h, err := e.t.Put(ctx, rank, uint64(localAddr), src)
	if err != nil {
		if e.outst != nil {
			e.outst.Release(1)
		}
		return srcF, opF, err
	}
	// Source completion for a Put over an async transport fires once
	// the transport has read src, which the Handle contract folds into
	// "done"; we treat source and operation as coincident here since
	// the transport interface does not distinguish them.
	cur.EnqueueHandle(h, func() {
		if e.outst != nil {
			e.outst.Release(1)
		}
		fulfillSrc(cur)
		fulfillOp(cur)
	})
	return srcF, opF, nil
}

// Get reads from the memory identified by src into dest, driving
// completion per cx (only Operation is meaningful for Get; Source is
// ignored since the caller has no source buffer to reclaim).
func (e *Engine) Get(ctx context.Context, cur *persona.Persona, src gptr.RawPtr, dest []byte, cx Completions) (future.Future[struct{}], error) {
	opF, fulfillOp := prepare(cx.Operation)

	if e.outst != nil {
		if err := e.outst.Acquire(ctx, 1); err != nil {
			return opF, err
		}
	}

	if local, ok := e.localAddr(src); ok {
		copy(dest, e.t.RegisteredSegment(src.HeapIdx)[local:local+uintptr(len(dest))])
		if e.outst != nil {
			e.outst.Release(1)
		}
		fulfillOp(cur)
		return opF, nil
	}

	rank, localAddr, err := e.resolve(src.HeapIdx, src)
	if err != nil {
		if e.outst != nil {
			e.outst.Release(1)
		}
		return opF, err
	}
	h, err := e.t.Get(ctx, rank, uint64(localAddr), dest)
	if err != nil {
		if e.outst != nil {
			e.outst.Release(1)
		}
		return opF, err
	}
	cur.EnqueueHandle(h, func() {
		if e.outst != nil {
			e.outst.Release(1)
		}
		fulfillOp(cur)
	})
	return opF, nil
}

// LocalBytes returns the n-byte slice backing raw in this rank's own
// registered segment, aliasing the transport's memory directly. It is
// used by xfer for the both-local host/host copy case, which needs
// the source bytes without a round trip through Put/Get. ok is false
// if raw is not local or not a host pointer.
func (e *Engine) LocalBytes(raw gptr.RawPtr, n uintptr) (b []byte, ok bool) {
	local, ok := e.localAddr(raw)
	if !ok {
		return nil, false
	}
	seg := e.t.RegisteredSegment(raw.HeapIdx)
	if local+n > uintptr(len(seg)) {
		return nil, false
	}
	return seg[local : local+n], true
}

// localAddr reports whether raw is mappable in this rank's own
// registered segment (i.e. RankMe owns it), returning the local
// offset if so. This lets Put/Get short-circuit self-targeted
// transfers with a plain copy instead of a loopback round trip.
func (e *Engine) localAddr(raw gptr.RawPtr) (uintptr, bool) {
	if raw.Rank != int32(e.t.RankMe()) {
		return 0, false
	}
	sm, ok := e.segments[raw.HeapIdx]
	if !ok {
		return 0, false
	}
	local, err := sm.Localize(raw.Rank, raw.Addr)
	if err != nil {
		return 0, false
	}
	return local, true
}
