// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import "unsafe"

// View is a read-only range over contiguous serialized data that
// aliases the inbound buffer rather than copying it out, the
// first-class "views over ranges" type from spec.md §4.3. T must be a
// fixed-size, pointer-free element type (the same restriction as
// Trivial).
type View[T any] struct {
	data []T
}

// NewView wraps an in-memory slice as a View, for the sending side.
func NewView[T any](data []T) View[T] { return View[T]{data: data} }

// Len returns the number of elements in the view.
func (v View[T]) Len() int { return len(v.data) }

// At returns the i'th element.
func (v View[T]) At(i int) T { return v.data[i] }

// Slice returns the elements as a Go slice; for a deserialized view
// this aliases the reader's backing buffer.
func (v View[T]) Slice() []T { return v.data }

// ViewCodec is the Codec for View[T]: it serializes the element count
// followed by the raw element bytes, and deserializes by reinterpreting
// a byte range of the reader's buffer as a []T without copying —
// ReferencesBuffer reports true accordingly.
type ViewCodec[T any] struct{}

// Ubound implements Codec.
func (ViewCodec[T]) Ubound(v View[T]) int {
	var zero T
	return 8 + v.Len()*int(unsafe.Sizeof(zero))
}

// Serialize implements Codec.
func (ViewCodec[T]) Serialize(w *Writer, v View[T]) error {
	var n [8]byte
	putUint64(n[:], uint64(v.Len()))
	w.WriteRaw(n[:])
	if v.Len() == 0 {
		return nil
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&v.data[0])), uintptr(v.Len())*elemSize)
	w.WriteRaw(b)
	return nil
}

// Deserialize implements Codec: the returned View aliases r's backing
// array, so it must not outlive the buffer that produced r (the same
// lifetime rule as any zero-copy deserialization).
func (ViewCodec[T]) Deserialize(r *Reader) (View[T], error) {
	nb, err := r.ReadRaw(8)
	if err != nil {
		return View[T]{}, err
	}
	n := getUint64(nb)
	if n == 0 {
		return View[T]{}, nil
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	b, err := r.ReadRaw(int(n) * int(elemSize))
	if err != nil {
		return View[T]{}, err
	}
	data := unsafe.Slice((*T)(unsafe.Pointer(&b[0])), int(n))
	return View[T]{data: data}, nil
}

// Skip implements Codec.
func (ViewCodec[T]) Skip(r *Reader) error {
	nb, err := r.ReadRaw(8)
	if err != nil {
		return err
	}
	n := getUint64(nb)
	if n == 0 {
		return nil
	}
	var zero T
	_, err = r.ReadRaw(int(n) * int(unsafe.Sizeof(zero)))
	return err
}

// ReferencesBuffer implements Codec: true, per spec.md §4.3's view
// contract.
func (ViewCodec[T]) ReferencesBuffer() bool { return true }

// SkipIsFast implements Codec: skipping a view only needs its length
// prefix plus a seek, not per-element work.
func (ViewCodec[T]) SkipIsFast() bool { return true }

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
