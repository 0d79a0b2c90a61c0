// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gptr

import "testing"

func TestSegmentMapHostLocalize(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)
	sm.Add(1, 0, 4096, 0, 0)

	if !sm.IsLocal(0) || !sm.IsLocal(1) {
		t.Fatalf("both ranks must be local")
	}
	if sm.IsLocal(2) {
		t.Errorf("rank 2 was never added, must not be local")
	}

	local, err := sm.Localize(1, 0x100)
	if err != nil {
		t.Fatalf("Localize returned error: %v", err)
	}
	if local != 0x100 {
		t.Errorf("Localize(1, 0x100) = 0x%x, want 0x100 (offset 0 for host segments)", local)
	}

	if got, err := sm.Localize(0, 0); err != nil || got != 0 {
		t.Errorf("Localize of the null address must return (0, nil), got (0x%x, %v)", got, err)
	}
}

func TestSegmentMapLocalizeOutOfRange(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 16, 0, 0)
	if _, err := sm.Localize(0, 100); err == nil {
		t.Errorf("Localize of an out-of-range address must error under checking")
	}
}

func TestSegmentMapLocalizeUnknownRank(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 16, 0, 0)
	if _, err := sm.Localize(9, 8); err == nil {
		t.Errorf("Localize for a rank outside the local team must error")
	}
}

func TestSegmentMapDeviceGlobalizeRoundTrip(t *testing.T) {
	// A device segment maps its heap.Heap's [0, size) bump-allocator
	// offsets onto the real device address space starting at arenaBase,
	// via base=arenaBase, localBase=0 (see pgas.Init's device bootstrap).
	const arenaBase = 0x7f0000
	sm := NewSegmentMap(1)
	sm.Add(3, arenaBase, 1<<20, 0, 3)

	raw, err := sm.Globalize(3, 64)
	if err != nil {
		t.Fatalf("Globalize returned error: %v", err)
	}
	if raw != arenaBase+64 {
		t.Errorf("Globalize(3, 64) = 0x%x, want 0x%x", raw, arenaBase+64)
	}

	local, err := sm.Localize(3, raw)
	if err != nil {
		t.Fatalf("Localize returned error: %v", err)
	}
	if local != 64 {
		t.Errorf("round trip Localize(Globalize(64)) = %d, want 64", local)
	}
}

func TestSegmentMapRanksSorted(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(2, 0, 16, 0, 0)
	sm.Add(0, 0, 16, 0, 0)
	sm.Add(1, 0, 16, 0, 0)

	got := sm.Ranks()
	want := []int32{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("Ranks() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ranks()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSegmentMapEntry(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 100, 200, 50, 0)
	e, ok := sm.Entry(0)
	if !ok {
		t.Fatalf("Entry(0) not found")
	}
	if e.Base != 100 || e.Size != 200 || e.LocalBase != 50 {
		t.Errorf("Entry(0) = %+v, want Base=100 Size=200 LocalBase=50", e)
	}
	if _, ok := sm.Entry(7); ok {
		t.Errorf("Entry(7) found, want not found")
	}
}
