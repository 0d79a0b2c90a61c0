// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loopback implements an in-process, goroutine-per-rank
// transport.Transport and device.Backend, used by tests and
// cmd/pgasinfo to drive the PGAS core without a real network or GPU.
// Grounded on the teacher's exec/local.go in-process Executor, which
// runs every simulated worker as a goroutine in the same process
// rather than a separate machine.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgasgo/pgas/transport"
)

// Network is the shared fabric binding every simulated rank's Endpoint
// together; one Network exists per test run or cmd/pgasinfo
// invocation.
type Network struct {
	endpoints []*Endpoint
}

// NewNetwork creates a Network of n ranks, each with a host shared
// segment of hostSegSize bytes.
func NewNetwork(n int, hostSegSize int) *Network {
	net := &Network{endpoints: make([]*Endpoint, n)}
	for i := range net.endpoints {
		net.endpoints[i] = &Endpoint{
			net:      net,
			rank:     int32(i),
			hostSeg:  make([]byte, hostSegSize),
			handlers: map[uint32]transport.AMHandler{},
		}
	}
	return net
}

// Transport returns rank r's transport.Transport.
func (n *Network) Transport(r int32) transport.Transport { return n.endpoints[r] }

// Endpoint is one simulated rank's view of the Network: it implements
// transport.Transport, routing Put/Get/SendEager/SendRendezvous
// directly against its peers' Endpoint state. A real network's wire
// transfer becomes, here, a mutex-guarded memcpy plus a goroutine hop
// so completion stays asynchronous with respect to the caller, the
// same shape persona.Progress's handle poll expects to drive.
type Endpoint struct {
	net  *Network
	rank int32

	mu       sync.RWMutex
	hostSeg  []byte
	handlers map[uint32]transport.AMHandler
}

// RankN implements transport.Transport.
func (e *Endpoint) RankN() int { return len(e.net.endpoints) }

// RankMe implements transport.Transport.
func (e *Endpoint) RankMe() int32 { return e.rank }

// EagerCutover is set high enough that every active message this
// runtime currently sends travels eager; SendRendezvous still exists
// to satisfy the transport.Transport contract and is exercised
// directly by tests that want to probe the large-payload path.
func (e *Endpoint) EagerCutover() int { return 1 << 20 }

// RegisterHandler implements transport.Transport.
func (e *Endpoint) RegisterHandler(tag uint32, h transport.AMHandler) {
	e.mu.Lock()
	e.handlers[tag] = h
	e.mu.Unlock()
}

func (e *Endpoint) handler(tag uint32) (transport.AMHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[tag]
	return h, ok
}

// SendEager implements transport.Transport.
func (e *Endpoint) SendEager(ctx context.Context, destRank int32, tag uint32, payload []byte) error {
	dest := e.net.endpoints[destRank]
	buf := append([]byte(nil), payload...)
	go dest.deliver(ctx, e.rank, tag, buf)
	return nil
}

// SendRendezvous implements transport.Transport by eagerly staging
// the sender's own segment bytes and delivering them the same way
// SendEager does; a real rendezvous transport would instead have the
// receiver issue the RMA get, but the observable result (the payload
// reaches the handler) is the same.
func (e *Endpoint) SendRendezvous(ctx context.Context, destRank int32, tag uint32, srcAddr uint64, size int) error {
	e.mu.RLock()
	if srcAddr+uint64(size) > uint64(len(e.hostSeg)) {
		e.mu.RUnlock()
		return fmt.Errorf("loopback: rendezvous stage of %d bytes at 0x%x overflows rank %d's segment", size, srcAddr, e.rank)
	}
	buf := append([]byte(nil), e.hostSeg[srcAddr:srcAddr+uint64(size)]...)
	e.mu.RUnlock()
	dest := e.net.endpoints[destRank]
	go dest.deliver(ctx, e.rank, tag, buf)
	return nil
}

func (e *Endpoint) deliver(ctx context.Context, senderRank int32, tag uint32, payload []byte) {
	h, ok := e.handler(tag)
	if !ok {
		return
	}
	h(ctx, senderRank, payload)
}

// Put implements transport.Transport.
func (e *Endpoint) Put(ctx context.Context, destRank int32, destAddr uint64, src []byte) (transport.Handle, error) {
	dest := e.net.endpoints[destRank]
	if destAddr+uint64(len(src)) > uint64(len(dest.hostSeg)) {
		return nil, fmt.Errorf("loopback: put of %d bytes at 0x%x overflows rank %d's %d-byte segment", len(src), destAddr, destRank, len(dest.hostSeg))
	}
	h := &handle{}
	go func() {
		dest.mu.Lock()
		copy(dest.hostSeg[destAddr:], src)
		dest.mu.Unlock()
		h.complete()
	}()
	return h, nil
}

// Get implements transport.Transport.
func (e *Endpoint) Get(ctx context.Context, srcRank int32, srcAddr uint64, dest []byte) (transport.Handle, error) {
	src := e.net.endpoints[srcRank]
	if srcAddr+uint64(len(dest)) > uint64(len(src.hostSeg)) {
		return nil, fmt.Errorf("loopback: get of %d bytes at 0x%x overflows rank %d's %d-byte segment", len(dest), srcAddr, srcRank, len(src.hostSeg))
	}
	h := &handle{}
	go func() {
		src.mu.RLock()
		copy(dest, src.hostSeg[srcAddr:srcAddr+uint64(len(dest))])
		src.mu.RUnlock()
		h.complete()
	}()
	return h, nil
}

// RegisteredSegment implements transport.Transport. Only heap index 0
// (the host segment) is network-registered in this backend; device
// memory lives in the loopback Device's own arenas instead and is
// never addressed through the transport.
func (e *Endpoint) RegisteredSegment(heapIdx uint8) []byte {
	if heapIdx != 0 {
		return nil
	}
	return e.hostSeg
}

// handle is an asynchronously completing transport.Handle: the copy
// it guards runs on a separate goroutine so callers observe a pending
// handle rather than synchronous completion, exercising the same
// poll-driven completion path a real network transport would.
type handle struct{ done int32 }

func (h *handle) Done() bool { return atomic.LoadInt32(&h.done) == 1 }
func (h *handle) complete()  { atomic.StoreInt32(&h.done, 1) }
