// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgas is the runtime's entry point: rank identity, the
// collective Init/Finalize lifecycle, and the process-wide wiring of
// every leaf component (gptr, heap, wire, future, persona, rpc, rma,
// xfer) into one Runtime.
//
// Grounded on the teacher's exec/session.go (NewSession wiring a
// status.Group and an Executor together into one long-lived object)
// and exec/local.go's device/segment bootstrap, generalized here to
// the PGAS core's host-plus-per-device shared segment setup.
package pgas

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/grailbio/base/status"
	"golang.org/x/sync/errgroup"

	"github.com/pgasgo/pgas/device"
	"github.com/pgasgo/pgas/diag"
	"github.com/pgasgo/pgas/future"
	"github.com/pgasgo/pgas/gptr"
	"github.com/pgasgo/pgas/heap"
	"github.com/pgasgo/pgas/persona"
	"github.com/pgasgo/pgas/rma"
	"github.com/pgasgo/pgas/rpc"
	"github.com/pgasgo/pgas/transport"
	"github.com/pgasgo/pgas/wire"
	"github.com/pgasgo/pgas/xfer"
)

const (
	defaultSharedHeapSize = int64(1) << 30
	defaultMaxDeviceHeaps = 32
)

// Runtime is the process-wide, initialized PGAS runtime: rank identity
// plus the wired C2-C9 components. Exactly one is live per process at
// a time, constructed by Init and torn down by Finalize.
type Runtime struct {
	rankN  int
	rankMe int32

	t   transport.Transport
	dev device.Backend

	Threads *persona.ThreadContext
	Master  *persona.Persona

	hostSeg     *heap.Segment
	deviceSegs  []*heap.Segment
	segments    map[uint8]*gptr.SegmentMap
	masterScope *persona.Scope

	RPC  *rpc.Runtime
	RMA  *rma.Engine
	Xfer *xfer.Engine

	statusGroup *status.Group
}

var (
	mu      sync.Mutex
	current *Runtime
)

// RankN returns the total number of ranks in the job. It panics if
// called before Init.
func RankN() int { return current.rankN }

// RankMe returns this process's own rank. It panics if called before
// Init.
func RankMe() int32 { return current.rankMe }

// Initialized reports whether Init has completed and Finalize has not
// since been called.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return current != nil
}

// HostHeapCapacity returns the size in bytes of this rank's host
// shared segment.
func (r *Runtime) HostHeapCapacity() int64 { return int64(r.hostSeg.Heap.Capacity()) }

// HostHeapUsed returns the number of bytes currently allocated out of
// this rank's host shared segment.
func (r *Runtime) HostHeapUsed() int64 { return int64(r.hostSeg.Heap.Used()) }

// NumDeviceSegments returns the number of per-device segments this
// rank bootstrapped during Init.
func (r *Runtime) NumDeviceSegments() int { return len(r.deviceSegs) }

func envInt(name string, def int64) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Init performs the collective setup of spec.md §6: it fixes this
// process's rank identity from t, sizes and wraps the host shared
// segment (PGAS_SHARED_HEAP_SIZE bytes, default 1<<30), bootstraps up
// to PGAS_MAX_DEVICE_HEAPS (default 32) per-device segments
// concurrently via errgroup, creates and installs the master persona,
// and wires the rpc/rma/xfer engines over t and dev. dev may be nil on
// a rank with no visible devices. The calling goroutine's thread
// becomes the master persona's initial owner, per spec.md §3's
// "initially bound to main thread"; call persona.LiberateMaster plus
// persona.AcquireMaster to hand it to another thread later.
func Init(ctx context.Context, t transport.Transport, dev device.Backend) (*Runtime, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return nil, fmt.Errorf("pgas: Init called while a runtime is already active in this process")
	}

	r := &Runtime{
		t:        t,
		dev:      dev,
		rankN:    t.RankN(),
		rankMe:   t.RankMe(),
		Threads:  persona.NewThreadContext(),
		segments: map[uint8]*gptr.SegmentMap{},
	}
	diag.SetRankFunc(func() int { return int(r.rankMe) })

	r.statusGroup = &status.Group{}
	r.Master = persona.New(r.statusGroup, "master")
	persona.SetMaster(r.Master)
	r.masterScope = persona.Push(r.Threads, r.Master, nil)

	hostBytes := t.RegisteredSegment(0)
	sharedSize := envInt("PGAS_SHARED_HEAP_SIZE", defaultSharedHeapSize)
	if int64(len(hostBytes)) < sharedSize {
		return nil, fmt.Errorf("pgas: transport registered a %d-byte host segment, smaller than PGAS_SHARED_HEAP_SIZE=%d", len(hostBytes), sharedSize)
	}
	hostMap := gptr.NewSegmentMap(0)
	hostMap.Add(r.rankMe, 0, uintptr(len(hostBytes)), 0, r.rankMe)
	r.hostSeg = &heap.Segment{
		Heap:    heap.New(hostBytes),
		Rank:    r.rankMe,
		HeapIdx: 0,
		Kind:    gptr.Host,
		Map:     hostMap,
	}
	r.segments[0] = hostMap

	if dev != nil {
		if err := r.bootstrapDeviceSegments(ctx, dev, sharedSize); err != nil {
			return nil, err
		}
	}

	r.RPC = rpc.NewRuntime(t, r.Master, r.hostSeg)
	r.RMA = rma.NewEngine(t, r.segments, 0)
	r.Xfer = xfer.NewEngine(r.rankMe, r.RMA, r.RPC, dev, r.hostSeg)

	current = r
	return r, nil
}

// bootstrapDeviceSegments allocates one per-device arena (capped at
// PGAS_MAX_DEVICE_HEAPS) concurrently, since each dev.Alloc call is
// independent of the others and a rank with many visible devices
// should not pay for their setup serially.
func (r *Runtime) bootstrapDeviceSegments(ctx context.Context, dev device.Backend, arenaSize int64) error {
	maxHeaps := int(envInt("PGAS_MAX_DEVICE_HEAPS", defaultMaxDeviceHeaps))
	numDev := dev.NumDevices()
	if numDev > maxHeaps {
		numDev = maxHeaps
	}
	segs := make([]*heap.Segment, numDev)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < numDev; i++ {
		i := i
		g.Go(func() error {
			size := uintptr(arenaSize)
			arenaBase, err := dev.Alloc(i, size)
			if err != nil {
				return diag.E(diag.BadSegmentAlloc, "pgas.Init", fmt.Errorf("allocating device %d segment: %v", i, err))
			}
			heapIdx := uint8(i + 1)
			devMap := gptr.NewSegmentMap(heapIdx)
			// base=arenaBase, localBase=0: Localize(deviceAddr) yields the
			// [0, size) bookkeeping offset heap.Heap's free list operates
			// over, and Globalize inverts it back to the real device
			// address xfer/rma address device memory with directly.
			devMap.Add(r.rankMe, uintptr(arenaBase), size, 0, r.rankMe)
			segs[i] = &heap.Segment{
				Heap:    heap.New(make([]byte, size)),
				Rank:    r.rankMe,
				HeapIdx: heapIdx,
				Kind:    gptr.CUDADevice,
				Map:     devMap,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, seg := range segs {
		r.deviceSegs = append(r.deviceSegs, seg)
		r.segments[uint8(i+1)] = seg.Map
	}
	return nil
}

// Finalize performs the collective teardown of spec.md §6: it
// discharges the master persona's outstanding internal work, pops it
// from the active stack, and clears the process-wide runtime so a
// later Init may run (used by test harnesses that exercise several
// scenarios in one process).
func (r *Runtime) Finalize() {
	r.Master.Discharge()
	if r.masterScope != nil {
		r.masterScope.Pop()
	}
	mu.Lock()
	defer mu.Unlock()
	if current == r {
		current = nil
	}
}

// MemberOf is gptr.MemberOf bound to this process's runtime: the
// segment map for gp's heap index, the wired rpc pipeline, and the
// master persona. It is the common case for application code running
// on the master persona against the host or a device heap; code
// running on a non-master persona should call gptr.MemberOf directly
// with that persona instead.
func MemberOf[T any, F any, K gptr.KindTag](gp gptr.GlobalPtr[T, K], offsetFn func(*T) *F) future.Future[gptr.GlobalPtr[F, K]] {
	return gptr.MemberOf[T, F, K](gp, current.segments[gp.Raw.HeapIdx], current.RPC, current.Master, offsetFn)
}

// New allocates and constructs a value of T in the host shared heap,
// per heap.New bound to this runtime's host segment.
func New[T any](ctor func() T) (gptr.GlobalPtr[T, gptr.HostTag], error) {
	return heap.New[T, gptr.HostTag](current.hostSeg, ctor)
}

// NewArray is heap.NewArray bound to this runtime's host segment.
func NewArray[T any](n int, ctor func(i int) T, dtor func(*T)) (gptr.GlobalPtr[T, gptr.HostTag], error) {
	return heap.NewArray[T, gptr.HostTag](current.hostSeg, n, ctor, dtor)
}

// Delete is heap.Delete bound to this runtime's host segment.
func Delete[T any](p gptr.GlobalPtr[T, gptr.HostTag], dtor func(*T)) error {
	return heap.Delete[T, gptr.HostTag](current.hostSeg, p, dtor)
}

// FireAndForget is rpc.Runtime.FireAndForget bound to this process's
// rpc pipeline.
func FireAndForget(ctx context.Context, rank int32, fn wire.Func, args ...interface{}) (future.Future[struct{}], error) {
	return current.RPC.FireAndForget(ctx, rank, fn, args...)
}

// Call is rpc.Runtime.Call bound to this process's rpc pipeline.
func Call(ctx context.Context, cur *persona.Persona, rank int32, fn wire.Func, args ...interface{}) future.Future[[]interface{}] {
	return current.RPC.Call(ctx, cur, rank, fn, args...)
}

// Copy is xfer.Engine.Copy bound to this process's copy engine.
func Copy(ctx context.Context, cur *persona.Persona, dst, src gptr.RawPtr, n uintptr) future.Future[struct{}] {
	return current.Xfer.Copy(ctx, cur, dst, src, n)
}
