// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport declares the contract the PGAS core expects from
// the underlying network transport. The concrete wire protocol,
// whatever network it runs over, is explicitly out of scope (spec.md
// §1); this package only fixes the shape a backend must expose so
// that rpc, rma and xfer can be written against an interface. A
// single-process, goroutine-per-rank implementation lives in
// internal/backend/loopback for tests.
package transport

import "context"

// Handle identifies one outstanding one-sided or active-message
// operation. Backends mint their own concrete Handle values; the core
// only stores and polls them.
type Handle interface {
	// Done reports whether the operation has completed. It must be
	// safe to call repeatedly and from the persona that owns it.
	Done() bool
}

// AMHandler is invoked on the receiving side when an active message
// arrives, at the progress level the sender requested. payload is the
// eager inline bytes, or the fully staged rendezvous payload.
type AMHandler func(ctx context.Context, senderRank int32, payload []byte)

// Transport is the contract exposed by the underlying network layer:
// job-wide rank numbering, point-to-point active messages (eager and
// rendezvous), and one-sided put/get against registered segments.
type Transport interface {
	// RankN returns the total number of ranks in the job.
	RankN() int
	// RankMe returns this process's own rank.
	RankMe() int32

	// EagerCutover returns the maximum payload size, in bytes, that
	// travels inline as an eager active message; larger payloads must
	// use SendRendezvous.
	EagerCutover() int

	// SendEager ships payload inline to destRank, which invokes the
	// handler previously registered for tag via RegisterHandler.
	SendEager(ctx context.Context, destRank int32, tag uint32, payload []byte) error

	// SendRendezvous notifies destRank that payload (too large for
	// SendEager) is available in the sender's shared segment at
	// srcAddr; the receiver is expected to RMA-get it and then invoke
	// the tag's handler. Returns once the notification (not the
	// payload) has been sent.
	SendRendezvous(ctx context.Context, destRank int32, tag uint32, srcAddr uint64, size int) error

	// RegisterHandler associates tag with the handler invoked when an
	// active message carrying that tag arrives.
	RegisterHandler(tag uint32, h AMHandler)

	// Put starts a one-sided write of src into destRank's segment at
	// destAddr. The returned Handle completes when the transfer is
	// durable at the destination.
	Put(ctx context.Context, destRank int32, destAddr uint64, src []byte) (Handle, error)

	// Get starts a one-sided read of len(dest) bytes from srcRank's segment
	// at srcAddr into dest. The returned Handle completes when dest has
	// been filled.
	Get(ctx context.Context, srcRank int32, srcAddr uint64, dest []byte) (Handle, error)

	// RegisteredSegment returns the local byte slice backing the
	// rank's own segment for heap index idx, so that local RMA targets
	// and heap allocation can operate on the same memory the transport
	// has registered for remote access.
	RegisteredSegment(heapIdx uint8) []byte
}
