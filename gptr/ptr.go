// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gptr

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// RawPtr is the untyped, four-field representation of a global pointer:
// rank, raw address (in bytes, element-unit arithmetic is applied by the
// generic GlobalPtr wrapper), heap index, and dynamic kind. It is what
// actually travels on the wire and what the segment map operates on.
type RawPtr struct {
	Rank    int32
	HeapIdx uint8
	Kind    Kind
	Addr    uint64
}

// IsNull reports whether r is the null raw pointer. Per the data model,
// null compares equal regardless of the caller's declared kind-set: a
// raw address of zero is null independent of rank and heap index, but a
// well-formed null as produced by this package always carries Rank=0,
// HeapIdx=0 too.
func (r RawPtr) IsNull() bool { return r.Addr == 0 }

// Equal compares all four fields, except that any two null pointers
// compare equal regardless of Rank/HeapIdx/Kind.
func (r RawPtr) Equal(o RawPtr) bool {
	if r.IsNull() && o.IsNull() {
		return true
	}
	return r == o
}

// Less implements the total order required for map/set use: compare
// (heap-index, rank, raw-address) lexicographically.
func (r RawPtr) Less(o RawPtr) bool {
	if r.HeapIdx != o.HeapIdx {
		return r.HeapIdx < o.HeapIdx
	}
	if r.Rank != o.Rank {
		return r.Rank < o.Rank
	}
	return r.Addr < o.Addr
}

// Hash32 returns a 32-bit hash consistent with Equal: it hashes the
// encoded (heap-index, rank, addr) tuple, folding all null pointers to
// the same hash.
func (r RawPtr) Hash32() uint32 {
	if r.IsNull() {
		r = RawPtr{}
	}
	var buf [13]byte
	buf[0] = r.HeapIdx
	binary.LittleEndian.PutUint32(buf[1:5], uint32(r.Rank))
	binary.LittleEndian.PutUint64(buf[5:13], r.Addr)
	return murmur3.Sum32(buf[:])
}

func (r RawPtr) String() string {
	if r.IsNull() {
		return "gptr(null)"
	}
	return fmt.Sprintf("gptr(rank=%d heap=%d kind=%s addr=0x%x)", r.Rank, r.HeapIdx, r.Kind, r.Addr)
}

// GlobalPtr is the typed global pointer. T is the pointee's element
// type (used for element-unit arithmetic and serialization dispatch);
// K is the compile-time-known kind-set this pointer is allowed to
// address. GlobalPtr carries no data beyond a RawPtr: T and K exist
// purely as compile-time tags, the same role Kind-set and element type
// play in the source's template parameters.
type GlobalPtr[T any, K KindTag] struct {
	Raw RawPtr
}

// KindTag is implemented by the marker types HostTag, DeviceTag and
// AnyTag, which stand in for the three KindSet values a GlobalPtr can be
// instantiated over. Go generics have no direct equivalent of a
// compile-time non-type constant parameter, so the kind-set is encoded
// as a type implementing this interface instead.
type KindTag interface {
	Set() KindSet
}

// HostTag instantiates a GlobalPtr that may only address host memory.
type HostTag struct{}

// Set implements KindTag.
func (HostTag) Set() KindSet { return HostOnly }

// DeviceTag instantiates a GlobalPtr that may only address device memory.
type DeviceTag struct{}

// Set implements KindTag.
func (DeviceTag) Set() KindSet { return DeviceOnly }

// AnyTag instantiates a GlobalPtr that may address either kind.
type AnyTag struct{}

// Set implements KindTag.
func (AnyTag) Set() KindSet { return AnyKind }

// Null returns the null global pointer for the given element and
// kind-set types.
func Null[T any, K KindTag]() GlobalPtr[T, K] {
	return GlobalPtr[T, K]{}
}

// IsNull reports whether p is null.
func (p GlobalPtr[T, K]) IsNull() bool { return p.Raw.IsNull() }

// Rank returns the owning rank.
func (p GlobalPtr[T, K]) Rank() int32 { return p.Raw.Rank }

// DynamicKind returns the runtime memory kind, which must be a member
// of K's kind-set.
func (p GlobalPtr[T, K]) DynamicKind() Kind { return p.Raw.Kind }

// Equal reports whether p and o address the same location.
func (p GlobalPtr[T, K]) Equal(o GlobalPtr[T, K]) bool { return p.Raw.Equal(o.Raw) }

// Less implements the total order from the data model.
func (p GlobalPtr[T, K]) Less(o GlobalPtr[T, K]) bool { return p.Raw.Less(o.Raw) }

// Hash32 hashes p consistently with Equal.
func (p GlobalPtr[T, K]) Hash32() uint32 { return p.Raw.Hash32() }

func (p GlobalPtr[T, K]) String() string { return p.Raw.String() }

// elemSize is supplied by callers that know sizeof(T); GlobalPtr itself
// carries no size information (Go has no sizeof over a type parameter
// short of unsafe.Sizeof on a zero value, which callers do at the call
// site to avoid requiring T to be a concrete, non-interface type here).

// Add returns a pointer offset by n elements of size elemSize, per the
// data model's "address arithmetic operates on raw addresses in element
// units" rule.
func (p GlobalPtr[T, K]) Add(n int64, elemSize uintptr) GlobalPtr[T, K] {
	q := p
	q.Raw.Addr = uint64(int64(p.Raw.Addr) + n*int64(elemSize))
	return q
}

// Sub returns the element-unit distance between p and o; both must
// share the same rank and heap index.
func (p GlobalPtr[T, K]) Sub(o GlobalPtr[T, K], elemSize uintptr) (int64, error) {
	if p.Raw.Rank != o.Raw.Rank || p.Raw.HeapIdx != o.Raw.HeapIdx {
		return 0, fmt.Errorf("gptr: cannot subtract pointers on different rank/heap: %s - %s", p, o)
	}
	return (int64(p.Raw.Addr) - int64(o.Raw.Addr)) / int64(elemSize), nil
}

// WidenKind implicitly converts p to a GlobalPtr over a broader (or
// equal) kind-set K2. Callers select K2 by type argument; the compiler
// enforces nothing here (Go has no partial-order-on-types constraint),
// so this is the runtime check the data model calls "implicit
// conversion... allowed from narrower to broader kind-sets": it panics
// if misused with a narrower K2, since that would be a programming
// error caught by construction in idiomatic use (callers only widen).
func WidenKind[T any, K1, K2 KindTag](p GlobalPtr[T, K1]) GlobalPtr[T, K2] {
	var k1 K1
	var k2 K2
	if !k2.Set().Widens(k1.Set()) {
		panic(fmt.Sprintf("gptr: WidenKind called with narrower target set %s from %s", k2.Set(), k1.Set()))
	}
	return GlobalPtr[T, K2]{Raw: p.Raw}
}

// NarrowKind performs the checked dynamic-kind cast from the data
// model: it succeeds only if p's runtime kind is a member of K2's
// static set, returning ok=false otherwise rather than raising an
// error (mirroring the spec's "checked cast... returning null on
// mismatch").
func NarrowKind[T any, K1, K2 KindTag](p GlobalPtr[T, K1]) (out GlobalPtr[T, K2], ok bool) {
	var k2 K2
	if !k2.Set().Contains(p.Raw.Kind) {
		return GlobalPtr[T, K2]{}, false
	}
	return GlobalPtr[T, K2]{Raw: p.Raw}, true
}
