// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gptr implements the PGAS runtime's global pointer and shared
// segment address translation (component C2 of the design). A GlobalPtr
// is a four-tuple (rank, raw address, heap index, memory kind) that
// addresses memory anywhere in the job; the SegmentMap translates a
// local-team peer's raw address into a locally dereferenceable one.
package gptr

import "fmt"

// Kind enumerates the memory kinds a segment can live in.
type Kind uint8

const (
	// Host denotes the per-rank host shared segment, heap index 0.
	Host Kind = 1 << iota
	// CUDADevice denotes a per-device segment, heap index > 0.
	CUDADevice
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case CUDADevice:
		return "cuda_device"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindSet is a compile-time-known, non-empty subset of {Host, CUDADevice}.
// A GlobalPtr's type parameter carries a KindSet so that dispatch tables
// can be selected statically while still allowing a dynamic kind query.
type KindSet uint8

// AnyKind is the widest kind-set; it accepts any dynamic kind.
const AnyKind KindSet = KindSet(Host) | KindSet(CUDADevice)

// HostOnly and DeviceOnly are the two single-kind sets used by typed
// GlobalPtr instantiations that only ever address one kind of memory.
const (
	HostOnly   KindSet = KindSet(Host)
	DeviceOnly KindSet = KindSet(CUDADevice)
)

// Contains reports whether k is a member of the set.
func (s KindSet) Contains(k Kind) bool {
	return s&KindSet(k) != 0
}

// Empty reports whether the set has no members; a KindSet used to
// instantiate a GlobalPtr must never be empty.
func (s KindSet) Empty() bool { return s == 0 }

// Widens reports whether s is a (non-strict) superset of other, i.e.
// whether a GlobalPtr[*, other] implicitly converts to GlobalPtr[*, s].
func (s KindSet) Widens(other KindSet) bool {
	return other&^s == 0
}

func (s KindSet) String() string {
	switch s {
	case KindSet(Host):
		return "{host}"
	case KindSet(CUDADevice):
		return "{cuda_device}"
	case AnyKind:
		return "{host,cuda_device}"
	default:
		return fmt.Sprintf("kindset(%d)", uint8(s))
	}
}
