// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the runtime's serialization core (component
// C3, spec.md §4.3): a trait-driven Codec interface with a fast path
// for trivially copyable values, a gob-backed fallback for everything
// else, bound-callable packing with nested-bind flattening, and
// zero-copy views over inbound buffers.
//
// Grounded on the teacher's sliceio/codec.go (gobEncoder/gobDecoder
// wrapping a session map) and exec/invocation.go (execInvocation's
// manual, per-argument-type GobEncode/GobDecode that avoids requiring
// gob.Register for every argument type a bound call might carry).
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Writer accumulates a serialized byte stream. Trivial (POD) values
// are appended directly; everything else goes through an embedded gob
// encoder, exactly as the teacher's Encoder mixes a raw fast path with
// gob.Encoder for user-defined types.
type Writer struct {
	buf bytes.Buffer
	enc *gob.Encoder
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	w := &Writer{}
	w.enc = gob.NewEncoder(&w.buf)
	return w
}

// WriteRaw appends b verbatim; used by the trivial-type fast path.
func (w *Writer) WriteRaw(b []byte) { w.buf.Write(b) }

// GobEncode appends v to the stream through the underlying
// gob.Encoder, for types that fall back to reflection-based encoding.
func (w *Writer) GobEncode(v interface{}) error { return w.enc.Encode(v) }

// Bytes returns the accumulated stream.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Reader consumes a serialized byte stream produced by a Writer.
type Reader struct {
	data []byte
	off  int
	dec  *gob.Decoder
	src  *bytes.Reader
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	r := &Reader{data: data}
	r.src = bytes.NewReader(data)
	r.dec = gob.NewDecoder(r.src)
	return r
}

// ReadRaw consumes and returns the next n bytes verbatim. The returned
// slice aliases the Reader's backing array — callers that need to
// retain it beyond the Reader's lifetime, or that will mutate it, must
// copy; this aliasing is what lets View implement ReferencesBuffer.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("wire: short read: need %d bytes, have %d", n, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	// Keep the gob decoder's byte source in lockstep, since some codecs
	// mix raw reads (trivial types) with gob reads (fallback types)
	// within a single stream.
	r.src.Seek(int64(r.off), 0)
	return b, nil
}

// GobDecode decodes the next gob-encoded value from the stream into v.
func (r *Reader) GobDecode(v interface{}) error {
	if err := r.dec.Decode(v); err != nil {
		return err
	}
	r.off = len(r.data) - r.src.Len()
	return nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }
