// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/pgasgo/pgas/gptr"
	"github.com/pgasgo/pgas/heap"
	"github.com/pgasgo/pgas/internal/backend/loopback"
	"github.com/pgasgo/pgas/persona"
	"github.com/pgasgo/pgas/rma"
	"github.com/pgasgo/pgas/rpc"
)

// rankFixture bundles everything one simulated rank needs to exercise
// Engine.Copy: its own persona, host segment, rma/rpc/xfer engines, and
// an optional device backend.
type rankFixture struct {
	cur *persona.Persona
	seg *heap.Segment
	rma *rma.Engine
	rpc *rpc.Runtime
	xfr *Engine
}

func newFixture(t *testing.T, net *loopback.Network, rank int32, sm *gptr.SegmentMap, dev *loopback.Device) *rankFixture {
	t.Helper()
	tr := net.Transport(rank)
	cur := persona.New(nil, "rank")
	segs := map[uint8]*gptr.SegmentMap{0: sm}
	seg := &heap.Segment{
		Heap:    heap.New(tr.RegisteredSegment(0)),
		Rank:    rank,
		HeapIdx: 0,
		Kind:    gptr.Host,
		Map:     sm,
	}
	r := rma.NewEngine(tr, segs, 0)
	rp := rpc.NewRuntime(tr, cur, seg)
	var xe *Engine
	if dev != nil {
		xe = NewEngine(rank, r, rp, dev, seg)
	} else {
		xe = NewEngine(rank, r, rp, nil, seg)
	}
	return &rankFixture{cur: cur, seg: seg, rma: r, rpc: rp, xfr: xe}
}

func newTwoHostRanks(t *testing.T, segSize int) (r0, r1 *rankFixture) {
	t.Helper()
	net := loopback.NewNetwork(2, segSize)
	sm := gptr.NewSegmentMap(0)
	sm.Add(0, 0, uintptr(segSize), 0, 0)
	sm.Add(1, 0, uintptr(segSize), 0, 0)
	r0 = newFixture(t, net, 0, sm, nil)
	r1 = newFixture(t, net, 1, sm, nil)
	return r0, r1
}

func drainUntilReady(t *testing.T, cur *persona.Persona, ready func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ready() {
		cur.Progress(persona.LevelUser)
		if time.Now().After(deadline) {
			t.Fatalf("copy did not complete within the deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCopyBothLocalHostToHost(t *testing.T) {
	r0, _ := newTwoHostRanks(t, 4096)

	srcLocal, err := r0.seg.Heap.Allocate(16, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dstLocal, err := r0.seg.Heap.Allocate(16, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(r0.seg.Heap.Bytes()[srcLocal:srcLocal+16], []byte("0123456789abcdef"))

	srcAddr, err := r0.seg.Map.Globalize(0, srcLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	dstAddr, err := r0.seg.Map.Globalize(0, dstLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	src := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: srcAddr}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: dstAddr}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 16)
	if !f.Ready() {
		t.Fatalf("both-local host copy must complete synchronously")
	}
	if _, err := f.Value(); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}

	got, ok := r0.rma.LocalBytes(dst, 16)
	if !ok {
		t.Fatalf("LocalBytes reported not ok")
	}
	if string(got) != "0123456789abcdef" {
		t.Errorf("copied bytes = %q, want %q", got, "0123456789abcdef")
	}
}

func TestCopyBothLocalOverlapErrors(t *testing.T) {
	r0, _ := newTwoHostRanks(t, 4096)
	local, err := r0.seg.Heap.Allocate(16, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr, err := r0.seg.Map.Globalize(0, local)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: addr}
	src := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: addr + 4}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 16)
	if _, err := f.Value(); err == nil {
		t.Errorf("overlapping both-local copy must return an error")
	}
}

func TestCopySelfIsDestHostRemoteRoundTrip(t *testing.T) {
	r0, r1 := newTwoHostRanks(t, 4096)

	srcLocal, err := r1.seg.Heap.Allocate(8, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(r1.seg.Heap.Bytes()[srcLocal:srcLocal+8], []byte("deadbeef"))
	srcAddr, err := r1.seg.Map.Globalize(1, srcLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	src := gptr.RawPtr{Rank: 1, HeapIdx: 0, Kind: gptr.Host, Addr: srcAddr}

	dstLocal, err := r0.seg.Heap.Allocate(8, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dstAddr, err := r0.seg.Map.Globalize(0, dstLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: dstAddr}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 8)
	drainUntilReady(t, r0.cur, f.Ready)
	if _, err := f.Value(); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}

	got, ok := r0.rma.LocalBytes(dst, 8)
	if !ok {
		t.Fatalf("LocalBytes reported not ok")
	}
	if string(got) != "deadbeef" {
		t.Errorf("copied bytes = %q, want %q", got, "deadbeef")
	}
}

func TestCopySelfIsSrcHostIsImmediatelyReady(t *testing.T) {
	r0, _ := newTwoHostRanks(t, 4096)
	local, err := r0.seg.Heap.Allocate(8, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr, err := r0.seg.Map.Globalize(0, local)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	src := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: addr}
	dst := gptr.RawPtr{Rank: 1, HeapIdx: 0, Kind: gptr.Host, Addr: 0}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 8)
	if !f.Ready() {
		t.Errorf("a host-resident source on the calling rank has nothing to stage and must complete immediately")
	}
}

func TestCopyRemoteToRemoteErrors(t *testing.T) {
	r0, _ := newTwoHostRanks(t, 4096)
	dst := gptr.RawPtr{Rank: 1, HeapIdx: 0, Kind: gptr.Host, Addr: 0}
	src := gptr.RawPtr{Rank: 1, HeapIdx: 0, Kind: gptr.Host, Addr: 8}
	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 8)
	if _, err := f.Value(); err == nil {
		t.Errorf("a copy between two ranks neither of which is the caller must error")
	}
}

func newDeviceFixture(t *testing.T, net *loopback.Network, rank int32, sm *gptr.SegmentMap, dev *loopback.Device) *rankFixture {
	t.Helper()
	return newFixture(t, net, rank, sm, dev)
}

func TestCopyBothLocalHostToDevice(t *testing.T) {
	net := loopback.NewNetwork(1, 4096)
	sm := gptr.NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)
	dev := loopback.NewDevice(1, 256, false)
	r0 := newDeviceFixture(t, net, 0, sm, dev)

	srcLocal, err := r0.seg.Heap.Allocate(4, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(r0.seg.Heap.Bytes()[srcLocal:srcLocal+4], []byte("gpu!"))
	srcAddr, err := r0.seg.Map.Globalize(0, srcLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	src := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: srcAddr}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 1, Kind: gptr.CUDADevice, Addr: 0}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 4)
	drainUntilReady(t, r0.cur, f.Ready)
	if _, err := f.Value(); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
}

func TestCopyBothLocalDeviceToHost(t *testing.T) {
	net := loopback.NewNetwork(1, 4096)
	sm := gptr.NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)
	dev := loopback.NewDevice(1, 256, false)
	r0 := newDeviceFixture(t, net, 0, sm, dev)

	if _, err := dev.Alloc(0, 256); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	loaded, err := dev.CopyHostToDevice(context.Background(), 0, 0, []byte("preload!"))
	if err != nil {
		t.Fatalf("CopyHostToDevice: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !loaded.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	dstLocal, err := r0.seg.Heap.Allocate(8, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dstAddr, err := r0.seg.Map.Globalize(0, dstLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: dstAddr}
	src := gptr.RawPtr{Rank: 0, HeapIdx: 1, Kind: gptr.CUDADevice, Addr: 0}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 8)
	drainUntilReady(t, r0.cur, f.Ready)
	if _, err := f.Value(); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	got, ok := r0.rma.LocalBytes(dst, 8)
	if !ok {
		t.Fatalf("LocalBytes reported not ok")
	}
	if string(got) != "preload!" {
		t.Errorf("copied bytes = %q, want %q", got, "preload!")
	}
}

func TestCopySelfIsDestDeviceBouncesThroughSource(t *testing.T) {
	net := loopback.NewNetwork(2, 4096)
	sm := gptr.NewSegmentMap(0)
	sm.Add(0, 0, 4096, 0, 0)
	sm.Add(1, 0, 4096, 0, 0)
	devSrc := loopback.NewDevice(1, 256, false)
	r0 := newDeviceFixture(t, net, 0, sm, nil)
	r1 := newDeviceFixture(t, net, 1, sm, devSrc)

	if _, err := devSrc.Alloc(0, 256); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	loaded, err := devSrc.CopyHostToDevice(context.Background(), 0, 0, []byte("bounced!"))
	if err != nil {
		t.Fatalf("CopyHostToDevice: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !loaded.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	dstLocal, err := r0.seg.Heap.Allocate(8, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dstAddr, err := r0.seg.Map.Globalize(0, dstLocal)
	if err != nil {
		t.Fatalf("Globalize: %v", err)
	}
	dst := gptr.RawPtr{Rank: 0, HeapIdx: 0, Kind: gptr.Host, Addr: dstAddr}
	src := gptr.RawPtr{Rank: 1, HeapIdx: 1, Kind: gptr.CUDADevice, Addr: 0}

	f := r0.xfr.Copy(context.Background(), r0.cur, dst, src, 8)
	drainUntilReady(t, r0.cur, func() bool {
		r1.cur.Progress(persona.LevelUser)
		return f.Ready()
	})
	if _, err := f.Value(); err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	got, ok := r0.rma.LocalBytes(dst, 8)
	if !ok {
		t.Fatalf("LocalBytes reported not ok")
	}
	if string(got) != "bounced!" {
		t.Errorf("copied bytes = %q, want %q", got, "bounced!")
	}
}
