// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gptr

import (
	"context"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pgasgo/pgas/future"
	"github.com/pgasgo/pgas/persona"
	"github.com/pgasgo/pgas/rpc"
	"github.com/pgasgo/pgas/wire"
)

var remoteMemberOfFn wire.Func

func init() {
	remoteMemberOfFn = wire.RegisterFunc("pgas/gptr.remoteMemberOf", remoteMemberOf)
}

// remoteMemberOf is the wire body executed on the owning rank by the
// remote fallback: pure address arithmetic, kept as an active message
// rather than inlined locally for architectural fidelity with the
// source's local-team-vs-remote dispatch (see MemberOf's doc comment).
func remoteMemberOf(raw RawPtr, offsetBytes uint64) RawPtr {
	if raw.IsNull() {
		return RawPtr{}
	}
	raw.Addr += offsetBytes
	return raw
}

var (
	offsetMu    sync.Mutex
	offsetCache = map[offsetKey]uintptr{}
)

type offsetKey struct {
	t  reflect.Type
	fn uintptr
}

// fieldOffset computes the byte offset offsetFn's selected field sits
// at within T, caching the result per (T, offsetFn) pair since Go has
// no compile-time offsetof over an arbitrary field-selecting closure.
func fieldOffset[T any, F any](offsetFn func(*T) *F) uintptr {
	key := offsetKey{t: reflect.TypeOf((*T)(nil)).Elem(), fn: reflect.ValueOf(offsetFn).Pointer()}
	offsetMu.Lock()
	if off, ok := offsetCache[key]; ok {
		offsetMu.Unlock()
		return off
	}
	offsetMu.Unlock()
	var zero T
	base := uintptr(unsafe.Pointer(&zero))
	field := offsetFn(&zero)
	off := uintptr(unsafe.Pointer(field)) - base
	offsetMu.Lock()
	offsetCache[key] = off
	offsetMu.Unlock()
	return off
}

// MemberOf computes the global pointer to the field offsetFn selects
// within the value gp addresses, per the source's `memberof`. offsetFn
// must only dereference and select a field of its argument (it runs
// once against a zero value to measure the offset, never against
// gp's actual referent).
func MemberOf[T any, F any, K KindTag](gp GlobalPtr[T, K], sm *SegmentMap, rt *rpc.Runtime, cur *persona.Persona, offsetFn func(*T) *F) future.Future[GlobalPtr[F, K]] {
	return MemberOfGeneral[T, F, K](gp, sm, rt, cur, fieldOffset(offsetFn))
}

// MemberOfGeneral is `memberof_general`: the same operation as
// MemberOf, but taking an already-known byte offset rather than a
// field-selecting closure, for callers that computed (or received)
// the offset at runtime rather than having a Go field to point
// offsetFn at.
//
// If gp's rank is a member of sm's local team, the offset is applied
// directly and the returned future is already ready. Otherwise an
// active message asks the owning rank to perform the same arithmetic.
// The dispatch checks only local-team membership, never "is this my
// own rank" — the optimization is always safe to take when
// applicable, since Go has no per-rank vtable layout for the
// "uniform layout across ranks" assumption the source's equivalent
// optimization depends on.
func MemberOfGeneral[T any, F any, K KindTag](gp GlobalPtr[T, K], sm *SegmentMap, rt *rpc.Runtime, cur *persona.Persona, offsetBytes uintptr) future.Future[GlobalPtr[F, K]] {
	if gp.IsNull() {
		return future.Make(Null[F, K]())
	}
	if sm.IsLocal(gp.Raw.Rank) {
		raw := gp.Raw
		raw.Addr += uint64(offsetBytes)
		return future.Make(GlobalPtr[F, K]{Raw: raw})
	}
	resF := rt.Call(context.Background(), cur, gp.Raw.Rank, remoteMemberOfFn, gp.Raw, uint64(offsetBytes))
	return future.Then(resF, cur, func(results []interface{}) GlobalPtr[F, K] {
		if len(results) == 0 {
			return Null[F, K]()
		}
		raw, _ := results[0].(RawPtr)
		return GlobalPtr[F, K]{Raw: raw}
	})
}
