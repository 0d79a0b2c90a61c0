// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"unsafe"

	"github.com/pgasgo/pgas/diag"
	"github.com/pgasgo/pgas/gptr"
)

// Segment bundles a Heap with the rank/heap-index/kind identity
// needed to mint GlobalPtr values, and the SegmentMap entry used to
// translate between local offsets and raw (rank-relative) addresses.
type Segment struct {
	Heap    *Heap
	Rank    int32
	HeapIdx uint8
	Kind    gptr.Kind
	Map     *gptr.SegmentMap
}

func (s *Segment) raw(local uintptr) gptr.RawPtr {
	addr, err := s.Map.Globalize(s.Rank, local)
	if err != nil {
		// Globalize only fails if s.Rank is missing from the map, which
		// cannot happen for one's own segment: this is a setup bug, not
		// a recoverable condition.
		panic(err)
	}
	return gptr.RawPtr{Rank: s.Rank, HeapIdx: s.HeapIdx, Kind: s.Kind, Addr: addr}
}

// New allocates sizeof(T) aligned to alignof(T), runs ctor to produce
// the value, writes it into the segment, and returns a global pointer
// to it. If ctor panics, the allocation is reclaimed before the panic
// continues to propagate, mirroring the source's "on construction
// exception, the allocation is reclaimed" rule translated to Go's
// panic/recover idiom.
func New[T any, K gptr.KindTag](s *Segment, ctor func() T) (p gptr.GlobalPtr[T, K], err error) {
	var zero T
	size, align := unsafe.Sizeof(zero), unsafe.Alignof(zero)
	local, aerr := s.Heap.Allocate(size, align)
	if aerr != nil {
		return gptr.GlobalPtr[T, K]{}, aerr
	}
	reclaimed := false
	defer func() {
		if r := recover(); r != nil {
			if !reclaimed {
				s.Heap.Deallocate(local, size)
			}
			panic(r)
		}
	}()
	v := ctor()
	*(*T)(unsafe.Pointer(&s.Heap.mem[local])) = v
	return gptr.GlobalPtr[T, K]{Raw: s.raw(local)}, nil
}

// arrayHeader precedes every array allocation's element data and
// records the element count, so that DeleteArray knows how many
// destructors to run without the caller repeating the count.
type arrayHeader struct {
	N uint64
}

// NewArray reserves a header word holding the element count plus
// n*sizeof(T) bytes (honoring whichever of T's or the header's
// alignment is stricter), constructs elements in order via ctor, and
// returns a global pointer to the first element. If ctor panics while
// constructing element i, elements [0, i) are destroyed in reverse via
// dtor (which may be nil for trivially-destructible T) before the
// allocation is reclaimed and the panic re-raised.
func NewArray[T any, K gptr.KindTag](s *Segment, n int, ctor func(i int) T, dtor func(*T)) (p gptr.GlobalPtr[T, K], err error) {
	var (
		zeroT   T
		zeroHdr arrayHeader
	)
	elemSize, elemAlign := unsafe.Sizeof(zeroT), unsafe.Alignof(zeroT)
	hdrSize, hdrAlign := unsafe.Sizeof(zeroHdr), unsafe.Alignof(zeroHdr)
	align := elemAlign
	if hdrAlign > align {
		align = hdrAlign
	}
	// The header occupies a whole, aligned slot ahead of the element
	// array so that the elements themselves start on an elemAlign
	// boundary.
	headerSlots := (hdrSize + elemAlign - 1) / elemAlign * elemAlign
	total := headerSlots + uintptr(n)*elemSize

	base, aerr := s.Heap.Allocate(total, align)
	if aerr != nil {
		return gptr.GlobalPtr[T, K]{}, aerr
	}
	*(*arrayHeader)(unsafe.Pointer(&s.Heap.mem[base])) = arrayHeader{N: uint64(n)}
	dataOff := base + headerSlots

	constructed := 0
	defer func() {
		if r := recover(); r != nil {
			for i := constructed - 1; i >= 0; i-- {
				if dtor != nil {
					dtor((*T)(unsafe.Pointer(&s.Heap.mem[dataOff+uintptr(i)*elemSize])))
				}
			}
			s.Heap.Deallocate(base, total)
			panic(r)
		}
	}()
	for i := 0; i < n; i++ {
		v := ctor(i)
		*(*T)(unsafe.Pointer(&s.Heap.mem[dataOff+uintptr(i)*elemSize])) = v
		constructed = i + 1
	}
	return gptr.GlobalPtr[T, K]{Raw: s.raw(dataOff)}, nil
}

// checkOwner enforces that mutation of a pointer's segment is only
// performed by the owning rank, per the data model's "delete_,
// delete_array, deallocate must be invoked by the owning rank".
func checkOwner(s *Segment, rank int32, op string) error {
	if rank != s.Rank {
		return diag.E(diag.Misuse, op, fmt.Errorf("rank %d attempted to free memory owned by rank %d", s.Rank, rank))
	}
	return nil
}

// Delete destroys the value at p (running dtor, which may be nil) and
// deallocates its storage. p must be owned by s's rank; null is a
// no-op.
func Delete[T any, K gptr.KindTag](s *Segment, p gptr.GlobalPtr[T, K], dtor func(*T)) error {
	if p.IsNull() {
		return nil
	}
	if err := checkOwner(s, p.Rank(), "heap.Delete"); err != nil {
		return err
	}
	local, err := s.Map.Localize(s.Rank, p.Raw.Addr)
	if err != nil {
		return err
	}
	var zero T
	size := unsafe.Sizeof(zero)
	if dtor != nil {
		dtor((*T)(unsafe.Pointer(&s.Heap.mem[local])))
	}
	s.Heap.Deallocate(local, size)
	return nil
}

// DeleteArray destroys every element of the array at p in reverse
// order (running dtor on each, which may be nil) and deallocates the
// whole array including its header. p must be owned by s's rank; null
// is a no-op.
func DeleteArray[T any, K gptr.KindTag](s *Segment, p gptr.GlobalPtr[T, K], dtor func(*T)) error {
	if p.IsNull() {
		return nil
	}
	if err := checkOwner(s, p.Rank(), "heap.DeleteArray"); err != nil {
		return err
	}
	dataOff, err := s.Map.Localize(s.Rank, p.Raw.Addr)
	if err != nil {
		return err
	}
	var zeroT T
	var zeroHdr arrayHeader
	elemSize, elemAlign := unsafe.Sizeof(zeroT), unsafe.Alignof(zeroT)
	hdrSize := unsafe.Sizeof(zeroHdr)
	headerSlots := (hdrSize + elemAlign - 1) / elemAlign * elemAlign
	base := dataOff - headerSlots
	hdr := *(*arrayHeader)(unsafe.Pointer(&s.Heap.mem[base]))
	n := int(hdr.N)
	if dtor != nil {
		for i := n - 1; i >= 0; i-- {
			dtor((*T)(unsafe.Pointer(&s.Heap.mem[dataOff+uintptr(i)*elemSize])))
		}
	}
	total := headerSlots + uintptr(n)*elemSize
	s.Heap.Deallocate(base, total)
	return nil
}

// Allocate reserves size bytes aligned to alignment in s's segment and
// returns a global pointer to untyped memory (kind-set AnyTag, element
// type byte), per the data model's raw allocate/deallocate pair.
func Allocate(s *Segment, size, alignment uintptr) (gptr.GlobalPtr[byte, gptr.AnyTag], error) {
	local, err := s.Heap.Allocate(size, alignment)
	if err != nil {
		return gptr.GlobalPtr[byte, gptr.AnyTag]{}, err
	}
	return gptr.GlobalPtr[byte, gptr.AnyTag]{Raw: s.raw(local)}, nil
}

// Deallocate frees memory previously returned by Allocate. p must be
// owned by s's rank; null is a no-op.
func Deallocate(s *Segment, p gptr.GlobalPtr[byte, gptr.AnyTag], size uintptr) error {
	if p.IsNull() {
		return nil
	}
	if err := checkOwner(s, p.Rank(), "heap.Deallocate"); err != nil {
		return err
	}
	local, err := s.Map.Localize(s.Rank, p.Raw.Addr)
	if err != nil {
		return err
	}
	s.Heap.Deallocate(local, size)
	return nil
}

// Local returns a byte slice viewing the n bytes at p's address if p
// is locally dereferenceable, or nil if it is not (matching
// GlobalPtr's local() semantics: "returns raw local pointer or null
// if not locally mappable").
func Local(s *Segment, raw gptr.RawPtr, n uintptr) []byte {
	if raw.IsNull() || !s.Map.IsLocal(raw.Rank) {
		return nil
	}
	local, err := s.Map.Localize(raw.Rank, raw.Addr)
	if err != nil {
		return nil
	}
	return s.Heap.mem[local : local+n]
}
