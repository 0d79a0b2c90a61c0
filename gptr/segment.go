// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gptr

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/pgasgo/pgas/diag"
)

// SegmentEntry describes one local-team peer's mapped shared segment:
// its virtual-address base, size, and the local-minus-remote
// translation offset used to convert the peer's raw address into a
// locally dereferenceable one.
type SegmentEntry struct {
	Rank      int32
	Base      uintptr
	Size      uintptr
	Offset    uintptr // local = raw + Offset
	LocalBase uintptr // local base, i.e. Base+Offset; cached for the interval check
}

func (e *SegmentEntry) Less(than btree.Item) bool {
	return e.Rank < than.(*SegmentEntry).Rank
}

// SegmentMap holds, per local-team member, the address-translation
// state described in the data model. It is built once at Init time
// (one heap index at a time: the host segment is heap index 0, device
// segments are positive indices) and is read-only thereafter except
// for test harnesses.
type SegmentMap struct {
	mu      sync.RWMutex
	heapIdx uint8
	localLB int32 // lowest rank in the local team
	entries *btree.BTree
	byRank  map[int32]*SegmentEntry
}

// NewSegmentMap creates an empty segment map for the given heap index.
func NewSegmentMap(heapIdx uint8) *SegmentMap {
	return &SegmentMap{
		heapIdx: heapIdx,
		entries: btree.New(8),
		byRank:  make(map[int32]*SegmentEntry),
	}
}

// Add registers (or replaces) the segment entry for rank r. localLB
// should be the smallest rank in the local team; it is stored with the
// entry, and no lookup in this file reads it.
func (m *SegmentMap) Add(r int32, base, size, localBase uintptr, localLB int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &SegmentEntry{
		Rank:      r,
		Base:      base,
		Size:      size,
		Offset:    localBase - base,
		LocalBase: localBase,
	}
	if old, ok := m.byRank[r]; ok {
		m.entries.Delete(old)
	}
	m.entries.ReplaceOrInsert(e)
	m.byRank[r] = e
	m.localLB = localLB
}

// IsLocal reports whether rank r is a member of the local team for
// this heap.
func (m *SegmentMap) IsLocal(r int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byRank[r]
	return ok
}

// Localize converts a peer's raw address on rank r into a locally
// dereferenceable address, per "local = raw + translation[i] when raw
// != 0 (null maps to null)". It fails with BadGlobalPointer if the
// resulting local address falls outside the mapped segment.
func (m *SegmentMap) Localize(r int32, raw uint64) (uintptr, error) {
	if raw == 0 {
		return 0, nil
	}
	m.mu.RLock()
	e, ok := m.byRank[r]
	m.mu.RUnlock()
	if !ok {
		return 0, diag.E(diag.BadGlobalPointer, "gptr.Localize", fmt.Errorf("rank %d is not in the local team for heap %d", r, m.heapIdx))
	}
	local := uintptr(raw) + e.Offset
	if diag.Checked && local-e.LocalBase >= e.Size {
		return 0, diag.E(diag.BadGlobalPointer, "gptr.Localize", fmt.Errorf("address 0x%x (rank %d, heap %d) outside segment [0x%x, 0x%x)", raw, r, m.heapIdx, e.LocalBase, e.LocalBase+e.Size))
	}
	return local, nil
}

// Globalize converts a local address on rank r (must be self) back
// into the raw, rank-relative address used by GlobalPtr.
func (m *SegmentMap) Globalize(r int32, local uintptr) (uint64, error) {
	if local == 0 {
		return 0, nil
	}
	m.mu.RLock()
	e, ok := m.byRank[r]
	m.mu.RUnlock()
	if !ok {
		return 0, diag.E(diag.BadGlobalPointer, "gptr.Globalize", fmt.Errorf("rank %d is not in the local team for heap %d", r, m.heapIdx))
	}
	return uint64(local - e.Offset), nil
}

// Entry returns the segment entry for rank r, if any.
func (m *SegmentMap) Entry(r int32) (SegmentEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byRank[r]
	if !ok {
		return SegmentEntry{}, false
	}
	return *e, true
}

// Ranks returns the local team's ranks, in ascending order.
func (m *SegmentMap) Ranks() []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranks := make([]int32, 0, m.entries.Len())
	m.entries.Ascend(func(it btree.Item) bool {
		ranks = append(ranks, it.(*SegmentEntry).Rank)
		return true
	})
	return ranks
}
