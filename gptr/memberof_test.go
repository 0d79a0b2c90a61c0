// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gptr

import "testing"

type point struct {
	X, Y int64
}

func TestMemberOfLocalTeam(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)

	gp := GlobalPtr[point, HostTag]{Raw: RawPtr{Rank: 0, Addr: 0x100, Kind: Host}}
	fut := MemberOf[point, int64, HostTag](gp, sm, nil, nil, func(p *point) *int64 { return &p.Y })

	got, err := fut.Value()
	if err != nil {
		t.Fatalf("MemberOf returned error: %v", err)
	}
	want := uint64(0x100 + 8) // Y follows an int64 X field
	if got.Raw.Addr != want {
		t.Errorf("MemberOf(&point.Y).Raw.Addr = 0x%x, want 0x%x", got.Raw.Addr, want)
	}
	if got.Raw.Rank != gp.Raw.Rank {
		t.Errorf("MemberOf must preserve the base pointer's rank")
	}
}

func TestMemberOfNullPropagates(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)

	null := Null[point, HostTag]()
	fut := MemberOf[point, int64, HostTag](null, sm, nil, nil, func(p *point) *int64 { return &p.X })
	got, err := fut.Value()
	if err != nil {
		t.Fatalf("MemberOf returned error: %v", err)
	}
	if !got.IsNull() {
		t.Errorf("MemberOf of a null pointer must return null")
	}
}

func TestFieldOffsetCached(t *testing.T) {
	offsetFn := func(p *point) *int64 { return &p.Y }
	a := fieldOffset(offsetFn)
	b := fieldOffset(offsetFn)
	if a != b {
		t.Errorf("fieldOffset must be stable across calls for the same field selector")
	}
	if a != 8 {
		t.Errorf("fieldOffset(point.Y) = %d, want 8", a)
	}
}

func TestMemberOfGeneralExplicitOffset(t *testing.T) {
	sm := NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)

	gp := GlobalPtr[point, HostTag]{Raw: RawPtr{Rank: 0, Addr: 0x200}}
	fut := MemberOfGeneral[point, int64, HostTag](gp, sm, nil, nil, 8)
	got, err := fut.Value()
	if err != nil {
		t.Fatalf("MemberOfGeneral returned error: %v", err)
	}
	if got.Raw.Addr != 0x208 {
		t.Errorf("MemberOfGeneral offset 8 from 0x200 = 0x%x, want 0x208", got.Raw.Addr)
	}
}
