// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import "testing"

func TestWriterReaderMixedRawAndGob(t *testing.T) {
	w := NewWriter()
	w.WriteRaw([]byte{1, 2, 3, 4})
	if err := w.GobEncode("hello"); err != nil {
		t.Fatalf("GobEncode returned error: %v", err)
	}
	w.WriteRaw([]byte{5, 6})

	r := NewReader(w.Bytes())
	raw1, err := r.ReadRaw(4)
	if err != nil {
		t.Fatalf("ReadRaw(4) returned error: %v", err)
	}
	if string(raw1) != "\x01\x02\x03\x04" {
		t.Errorf("ReadRaw(4) = %v, want [1 2 3 4]", raw1)
	}

	var s string
	if err := r.GobDecode(&s); err != nil {
		t.Fatalf("GobDecode returned error: %v", err)
	}
	if s != "hello" {
		t.Errorf("GobDecode = %q, want %q", s, "hello")
	}

	raw2, err := r.ReadRaw(2)
	if err != nil {
		t.Fatalf("ReadRaw(2) returned error: %v", err)
	}
	if string(raw2) != "\x05\x06" {
		t.Errorf("ReadRaw(2) = %v, want [5 6]", raw2)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadRaw(3); err == nil {
		t.Errorf("ReadRaw past the end of the buffer must error")
	}
}
