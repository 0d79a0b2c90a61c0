// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import "unsafe"

// Codec is the serialization trait every wire-representable type
// implements: an upper size bound, encode, decode-into-a-fresh-value,
// and skip, plus flags describing whether a deserialized value borrows
// from the buffer and whether Skip avoids actually decoding.
type Codec[T any] interface {
	// Ubound returns an upper bound, in bytes, on the serialized size
	// of v.
	Ubound(v T) int
	// Serialize writes v to w.
	Serialize(w *Writer, v T) error
	// Deserialize reads one value of type T from r.
	Deserialize(r *Reader) (T, error)
	// Skip advances r past one encoded value without materializing it.
	Skip(r *Reader) error
	// ReferencesBuffer reports whether values produced by Deserialize
	// borrow from r's backing array (true for View) rather than owning
	// independent storage.
	ReferencesBuffer() bool
	// SkipIsFast reports whether Skip can advance the reader without
	// doing the work Deserialize would do (true for fixed-size types).
	SkipIsFast() bool
}

// Trivial is the blanket codec for trivially copyable types with no
// indirection: it memcpys the value's bytes respecting its natural
// alignment, the "primitive rule" fast path from spec.md §4.3. T must
// be a fixed-size, pointer-free type (numeric types, fixed arrays of
// such, and structs composed only of such); using it on a type holding
// pointers, slices, maps, strings or interfaces silently copies the
// header only, which is why Gob exists for everything else.
type Trivial[T any] struct{}

// Ubound implements Codec.
func (Trivial[T]) Ubound(v T) int { return int(unsafe.Sizeof(v)) }

// Serialize implements Codec.
func (Trivial[T]) Serialize(w *Writer, v T) error {
	size := unsafe.Sizeof(v)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&v)), size)
	w.WriteRaw(b)
	return nil
}

// Deserialize implements Codec.
func (Trivial[T]) Deserialize(r *Reader) (T, error) {
	var v T
	size := unsafe.Sizeof(v)
	b, err := r.ReadRaw(int(size))
	if err != nil {
		return v, err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), b)
	return v, nil
}

// Skip implements Codec.
func (Trivial[T]) Skip(r *Reader) error {
	var v T
	_, err := r.ReadRaw(int(unsafe.Sizeof(v)))
	return err
}

// ReferencesBuffer implements Codec: trivial values are copied, never
// borrowed.
func (Trivial[T]) ReferencesBuffer() bool { return false }

// SkipIsFast implements Codec: fixed-size values skip in O(1).
func (Trivial[T]) SkipIsFast() bool { return true }

// Gob is the fallback codec for any type not handled by a more
// specific Codec: it defers to encoding/gob, the wire format the
// teacher itself standardizes on throughout sliceio and exec. Its
// Ubound is necessarily an estimate (gob's framing has no fixed
// overhead contract), and Skip is not fast: it must fully decode and
// discard the value.
type Gob[T any] struct {
	// UboundHint is returned by Ubound if set; otherwise a conservative
	// default is used. Set this for types whose gob encoding size is
	// known to vary widely (e.g. long strings or slices).
	UboundHint int
}

// Ubound implements Codec.
func (g Gob[T]) Ubound(T) int {
	if g.UboundHint > 0 {
		return g.UboundHint
	}
	return 256
}

// Serialize implements Codec.
func (Gob[T]) Serialize(w *Writer, v T) error { return w.GobEncodeCompat(v) }

// Deserialize implements Codec.
func (Gob[T]) Deserialize(r *Reader) (T, error) {
	var v T
	err := r.GobDecode(&v)
	return v, err
}

// Skip implements Codec: gob has no generic "skip" primitive, so this
// decodes into a throwaway value.
func (Gob[T]) Skip(r *Reader) error {
	var v T
	return r.GobDecode(&v)
}

// ReferencesBuffer implements Codec: gob always allocates fresh
// storage for decoded values.
func (Gob[T]) ReferencesBuffer() bool { return false }

// SkipIsFast implements Codec.
func (Gob[T]) SkipIsFast() bool { return false }

// GobEncodeCompat adapts Writer.GobEncode to the Serialize(v T) error
// shape Codec needs (Writer.GobEncode takes interface{}; this keeps
// the generic Codec method signatures uniform across Trivial and Gob).
func (w *Writer) GobEncodeCompat(v interface{}) error { return w.GobEncode(v) }
