// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package persona

import (
	"testing"
)

type fakeHandle struct{ done bool }

func (h *fakeHandle) Done() bool { return h.done }

func TestProgressDrainsInternalQueueAtAnyLevel(t *testing.T) {
	p := New(nil, "test")
	var ran []string
	p.EnqueueLPC(LevelInternal, func() { ran = append(ran, "internal") })
	p.EnqueueLPC(LevelUser, func() { ran = append(ran, "user") })

	p.Progress(LevelInternal)
	if len(ran) != 1 || ran[0] != "internal" {
		t.Fatalf("Progress(LevelInternal) ran %v, want only the internal closure", ran)
	}

	p.Progress(LevelUser)
	if len(ran) != 2 || ran[1] != "user" {
		t.Fatalf("Progress(LevelUser) ran %v, want the user closure to follow", ran)
	}
}

func TestProgressFIFOOrder(t *testing.T) {
	p := New(nil, "test")
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		p.EnqueueLPC(LevelInternal, func() { order = append(order, i) })
	}
	p.Progress(LevelInternal)
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want [0 1 2 3 4]", order)
		}
	}
}

func TestProgressNotReentrant(t *testing.T) {
	// A closure that enqueues more work must not have that work run
	// within the same Progress call.
	p := New(nil, "test")
	var ran []int
	p.EnqueueLPC(LevelInternal, func() {
		ran = append(ran, 1)
		p.EnqueueLPC(LevelInternal, func() { ran = append(ran, 2) })
	})
	p.Progress(LevelInternal)
	if len(ran) != 1 {
		t.Fatalf("first Progress call ran %v, want only [1]", ran)
	}
	p.Progress(LevelInternal)
	if len(ran) != 2 || ran[1] != 2 {
		t.Fatalf("second Progress call ran %v, want [1 2]", ran)
	}
}

func TestEnqueueHandlePollsUntilDone(t *testing.T) {
	p := New(nil, "test")
	h := &fakeHandle{}
	executed := false
	p.EnqueueHandle(h, func() { executed = true })

	p.Progress(LevelInternal)
	if executed {
		t.Fatalf("handle callback ran before its handle reported Done()")
	}
	if !p.ProgressRequired() {
		t.Fatalf("ProgressRequired() must be true while a handle is outstanding")
	}

	h.done = true
	p.Progress(LevelInternal)
	if !executed {
		t.Fatalf("handle callback must run once its handle reports Done()")
	}
	if p.ProgressRequired() {
		t.Fatalf("ProgressRequired() must be false once all work has drained")
	}
}

func TestDischargeDrainsEverything(t *testing.T) {
	p := New(nil, "test")
	n := 0
	var enqueueMore func()
	enqueueMore = func() {
		n++
		if n < 5 {
			p.EnqueueLPC(LevelInternal, enqueueMore)
		}
	}
	p.EnqueueLPC(LevelInternal, enqueueMore)
	p.Discharge()
	if n != 5 {
		t.Errorf("Discharge did not drain a self-extending chain: n=%d, want 5", n)
	}
	if p.ProgressRequired() {
		t.Errorf("ProgressRequired() must be false after Discharge")
	}
}
