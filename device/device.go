// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package device declares the contract the PGAS core expects from a
// device memory backend (e.g. CUDA). Concrete device APIs are out of
// scope (spec.md §1); the copy engine (xfer) is written against this
// interface, polling Event for completion the same way it polls
// transport.Handle.
package device

import "context"

// Event is returned by an asynchronous device operation (a copy or a
// kernel launch boundary); the copy engine polls it for completion the
// same way it polls a network handle.
type Event interface {
	Done() bool
}

// Backend is the contract exposed by a device memory API: allocate and
// free device memory, copy between host and device or between two
// devices, and create a pollable completion event for an issued copy.
type Backend interface {
	// NumDevices returns the number of visible devices (e.g. GPUs) on
	// this rank.
	NumDevices() int

	// Alloc reserves n bytes on device dev and returns an opaque device
	// address.
	Alloc(dev int, n uintptr) (uint64, error)
	// Free releases memory previously returned by Alloc.
	Free(dev int, addr uint64) error

	// CopyHostToDevice starts copying src into device dev at addr,
	// returning an Event that completes when the copy is durable.
	CopyHostToDevice(ctx context.Context, dev int, addr uint64, src []byte) (Event, error)
	// CopyDeviceToHost starts copying len(dst) bytes from device dev at
	// addr into dst, returning an Event that completes when dst is filled.
	CopyDeviceToHost(ctx context.Context, dev int, addr uint64, dst []byte) (Event, error)
	// CopyDeviceToDevice starts a peer copy from (srcDev, srcAddr) to
	// (dstDev, dstAddr), returning a completion Event. Backends that
	// cannot peer-copy directly return an error; the copy engine reports
	// that error and does not stage the copy through a host bounce buffer.
	CopyDeviceToDevice(ctx context.Context, dstDev int, dstAddr uint64, srcDev int, srcAddr uint64, n uintptr) (Event, error)

	// SupportsNativeRDMA reports whether the network transport can
	// issue RMA directly against device memory on this backend,
	// letting the copy engine bypass host bounce buffers entirely.
	SupportsNativeRDMA() bool
}
