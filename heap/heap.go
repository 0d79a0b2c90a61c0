// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package heap implements the runtime's shared-heap allocator
// (component C9): placement allocation inside a rank's shared segment,
// with exception-safe (panic-safe) unwind on construction failure.
package heap

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/pgasgo/pgas/diag"
)

// block describes a free region of the segment, ordered by address so
// that adjacent frees can be coalesced in O(log n), grounded on the
// teacher's use of an ordered index (google/btree) for bookkeeping
// structures that must support fast neighbor lookups.
type block struct {
	addr uintptr
	size uintptr
}

func (b *block) Less(than btree.Item) bool { return b.addr < than.(*block).addr }

// Heap is a bump-pointer-with-freelist allocator over a single,
// fixed-size shared segment. One Heap exists per (rank, heap index)
// pair that this process owns; heap index 0 is always the host
// segment.
type Heap struct {
	mu       sync.Mutex
	mem      []byte
	free     *btree.BTree // ordered by addr, merges adjacent blocks
	used     uintptr
	capacity uintptr
}

// New creates a Heap backed by the given, already-allocated segment.
// The segment's ownership (pinning, registration with the transport)
// is the caller's responsibility; Heap only manages offsets within it.
func New(segment []byte) *Heap {
	h := &Heap{
		mem:      segment,
		free:     btree.New(8),
		capacity: uintptr(len(segment)),
	}
	if len(segment) > 0 {
		h.free.ReplaceOrInsert(&block{addr: 0, size: uintptr(len(segment))})
	}
	return h
}

// Used returns the number of bytes currently allocated, for tests that
// verify alloc/dealloc accounting returns to its starting point
// (testable property 2).
func (h *Heap) Used() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Capacity returns the segment's total size.
func (h *Heap) Capacity() uintptr { return h.capacity }

func alignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

// Allocate reserves size bytes aligned to alignment within the
// segment, first-fit over the free list. It fails with
// diag.BadSharedAlloc when no free block is large enough.
func (h *Heap) Allocate(size, alignment uintptr) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var chosen *block
	h.free.Ascend(func(it btree.Item) bool {
		b := it.(*block)
		start := alignUp(b.addr, alignment)
		if start+size <= b.addr+b.size {
			chosen = b
			return false
		}
		return true
	})
	if chosen == nil {
		return 0, diag.E(diag.BadSharedAlloc, "heap.Allocate", fmt.Errorf("no free block of size %d (align %d); used=%d capacity=%d", size, alignment, h.used, h.capacity))
	}
	h.free.Delete(chosen)
	start := alignUp(chosen.addr, alignment)
	// Re-insert the leading slack (between chosen.addr and the aligned
	// start) and the trailing slack (after the allocation) as separate
	// free blocks.
	if lead := start - chosen.addr; lead > 0 {
		h.free.ReplaceOrInsert(&block{addr: chosen.addr, size: lead})
	}
	end := chosen.addr + chosen.size
	if tail := end - (start + size); tail > 0 {
		h.free.ReplaceOrInsert(&block{addr: start + size, size: tail})
	}
	h.used += size
	return start, nil
}

// Deallocate returns the region [addr, addr+size) to the free list,
// coalescing with adjacent free blocks. addr is a segment offset, so 0
// is an ordinary block like any other.
func (h *Heap) Deallocate(addr, size uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used -= size
	b := &block{addr: addr, size: size}

	// Merge with the block immediately before, if contiguous.
	var before *block
	h.free.DescendLessOrEqual(&block{addr: addr}, func(it btree.Item) bool {
		before = it.(*block)
		return false
	})
	if before != nil && before.addr+before.size == b.addr {
		h.free.Delete(before)
		b.addr = before.addr
		b.size += before.size
	}
	// Merge with the block immediately after, if contiguous.
	var after *block
	h.free.AscendGreaterOrEqual(&block{addr: b.addr + b.size}, func(it btree.Item) bool {
		after = it.(*block)
		return false
	})
	if after != nil && b.addr+b.size == after.addr {
		h.free.Delete(after)
		b.size += after.size
	}
	h.free.ReplaceOrInsert(b)
}

// Bytes returns the raw segment backing this heap, for use by the
// copy engine and RMA layer when staging or reading payloads directly.
func (h *Heap) Bytes() []byte { return h.mem }
