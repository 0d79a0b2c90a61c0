// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgasgo/pgas/device"
)

// Device simulates a rank's visible GPUs as plain Go byte arenas, one
// per device index, so the copy engine's device-touching paths run
// end-to-end without a real CUDA driver.
type Device struct {
	arenaSize  uintptr
	numDev     int
	nativeRDMA bool

	mu  sync.RWMutex
	mem [][]byte
}

// NewDevice creates a Device backend simulating numDev GPUs, each
// given an arenaSize-byte arena on first Alloc. nativeRDMA controls
// what SupportsNativeRDMA reports, letting tests exercise both the
// bounce-buffer and the direct-RDMA paths of the copy engine.
func NewDevice(numDev int, arenaSize uintptr, nativeRDMA bool) *Device {
	return &Device{
		numDev:     numDev,
		arenaSize:  arenaSize,
		nativeRDMA: nativeRDMA,
		mem:        make([][]byte, numDev),
	}
}

// NumDevices implements device.Backend.
func (d *Device) NumDevices() int { return d.numDev }

// SupportsNativeRDMA implements device.Backend.
func (d *Device) SupportsNativeRDMA() bool { return d.nativeRDMA }

func (d *Device) checkDev(dev int) error {
	if dev < 0 || dev >= d.numDev {
		return fmt.Errorf("loopback: device index %d out of range [0,%d)", dev, d.numDev)
	}
	return nil
}

// Alloc is called once per device by pgas.Init to size that device's
// whole per-rank arena; it always returns address 0, since this
// backend gives each device a single private arena rather than
// sub-allocating within a larger address space shared across callers.
func (d *Device) Alloc(dev int, n uintptr) (uint64, error) {
	if err := d.checkDev(dev); err != nil {
		return 0, err
	}
	if n > d.arenaSize {
		return 0, fmt.Errorf("loopback: device %d arena of %d bytes cannot satisfy a %d-byte allocation", dev, d.arenaSize, n)
	}
	d.mu.Lock()
	if d.mem[dev] == nil {
		d.mem[dev] = make([]byte, d.arenaSize)
	}
	d.mu.Unlock()
	return 0, nil
}

// Free implements device.Backend. This backend never reclaims arena
// space (each device has exactly one arena, freed only when the
// process exits), so Free is just a range check.
func (d *Device) Free(dev int, addr uint64) error {
	return d.checkDev(dev)
}

// CopyHostToDevice implements device.Backend.
func (d *Device) CopyHostToDevice(ctx context.Context, dev int, addr uint64, src []byte) (device.Event, error) {
	if err := d.checkDev(dev); err != nil {
		return nil, err
	}
	ev := &event{}
	go func() {
		d.mu.Lock()
		copy(d.mem[dev][addr:], src)
		d.mu.Unlock()
		ev.complete()
	}()
	return ev, nil
}

// CopyDeviceToHost implements device.Backend.
func (d *Device) CopyDeviceToHost(ctx context.Context, dev int, addr uint64, dst []byte) (device.Event, error) {
	if err := d.checkDev(dev); err != nil {
		return nil, err
	}
	ev := &event{}
	go func() {
		d.mu.RLock()
		copy(dst, d.mem[dev][addr:addr+uint64(len(dst))])
		d.mu.RUnlock()
		ev.complete()
	}()
	return ev, nil
}

// CopyDeviceToDevice implements device.Backend.
func (d *Device) CopyDeviceToDevice(ctx context.Context, dstDev int, dstAddr uint64, srcDev int, srcAddr uint64, n uintptr) (device.Event, error) {
	if err := d.checkDev(dstDev); err != nil {
		return nil, err
	}
	if err := d.checkDev(srcDev); err != nil {
		return nil, err
	}
	ev := &event{}
	go func() {
		d.mu.Lock()
		copy(d.mem[dstDev][dstAddr:dstAddr+uint64(n)], d.mem[srcDev][srcAddr:srcAddr+uint64(n)])
		d.mu.Unlock()
		ev.complete()
	}()
	return ev, nil
}

// event is an asynchronously completing device.Event, mirroring
// handle's goroutine-plus-atomic-flag shape in network.go.
type event struct{ done int32 }

func (e *event) Done() bool { return atomic.LoadInt32(&e.done) == 1 }
func (e *event) complete()  { atomic.StoreInt32(&e.done, 1) }
