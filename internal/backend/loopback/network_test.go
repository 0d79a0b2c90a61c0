// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loopback

import (
	"context"
	"testing"
	"time"
)

func TestTransportBasics(t *testing.T) {
	net := NewNetwork(3, 128)
	tr := net.Transport(1)
	if tr.RankMe() != 1 {
		t.Errorf("RankMe() = %d, want 1", tr.RankMe())
	}
	if tr.RankN() != 3 {
		t.Errorf("RankN() = %d, want 3", tr.RankN())
	}
}

func TestRegisteredSegmentOnlyHostIsBacked(t *testing.T) {
	net := NewNetwork(1, 64)
	tr := net.Transport(0)
	if got := len(tr.RegisteredSegment(0)); got != 64 {
		t.Errorf("RegisteredSegment(0) length = %d, want 64", got)
	}
	if seg := tr.RegisteredSegment(1); seg != nil {
		t.Errorf("RegisteredSegment(1) = %v, want nil (device memory is not transport-registered)", seg)
	}
}

func waitDone(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("handle did not complete within the deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPutGetRoundTripAcrossRanks(t *testing.T) {
	net := NewNetwork(2, 64)
	tr0 := net.Transport(0)

	h, err := tr0.Put(context.Background(), 1, 8, []byte("hello"))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	waitDone(t, h.Done)

	got := make([]byte, 5)
	h2, err := tr0.Get(context.Background(), 1, 8, got)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	waitDone(t, h2.Done)
	if string(got) != "hello" {
		t.Errorf("Get result = %q, want %q", got, "hello")
	}
}

func TestPutOverflowErrors(t *testing.T) {
	net := NewNetwork(2, 16)
	tr0 := net.Transport(0)
	if _, err := tr0.Put(context.Background(), 1, 10, []byte("0123456789")); err == nil {
		t.Errorf("Put overflowing the destination segment must return an error")
	}
}

func TestGetOverflowErrors(t *testing.T) {
	net := NewNetwork(2, 16)
	tr0 := net.Transport(0)
	dest := make([]byte, 20)
	if _, err := tr0.Get(context.Background(), 1, 0, dest); err == nil {
		t.Errorf("Get overflowing the source segment must return an error")
	}
}

func TestSendEagerDeliversToRegisteredHandler(t *testing.T) {
	net := NewNetwork(2, 16)
	tr0 := net.Transport(0)
	tr1 := net.Transport(1)

	received := make(chan []byte, 1)
	tr1.RegisterHandler(7, func(ctx context.Context, senderRank int32, payload []byte) {
		if senderRank != 0 {
			t.Errorf("senderRank = %d, want 0", senderRank)
		}
		received <- payload
	})

	if err := tr0.SendEager(context.Background(), 1, 7, []byte("ping")); err != nil {
		t.Fatalf("SendEager returned error: %v", err)
	}
	select {
	case payload := <-received:
		if string(payload) != "ping" {
			t.Errorf("delivered payload = %q, want %q", payload, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked within the deadline")
	}
}

func TestSendEagerToUnregisteredTagIsDropped(t *testing.T) {
	net := NewNetwork(2, 16)
	tr0 := net.Transport(0)
	// No handler registered for tag 99: deliver must silently no-op
	// rather than panicking or blocking.
	if err := tr0.SendEager(context.Background(), 1, 99, []byte("nobody")); err != nil {
		t.Fatalf("SendEager returned error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
}

func TestSendRendezvousStagesSenderSegment(t *testing.T) {
	net := NewNetwork(2, 32)
	tr0 := net.Transport(0)
	tr1 := net.Transport(1)
	copy(tr0.RegisteredSegment(0)[4:], []byte("staged"))

	received := make(chan []byte, 1)
	tr1.RegisterHandler(3, func(ctx context.Context, senderRank int32, payload []byte) {
		received <- payload
	})
	if err := tr0.SendRendezvous(context.Background(), 1, 3, 4, 6); err != nil {
		t.Fatalf("SendRendezvous returned error: %v", err)
	}
	select {
	case payload := <-received:
		if string(payload) != "staged" {
			t.Errorf("rendezvous payload = %q, want %q", payload, "staged")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked within the deadline")
	}
}

func TestSendRendezvousOverflowErrors(t *testing.T) {
	net := NewNetwork(2, 8)
	tr0 := net.Transport(0)
	if err := tr0.SendRendezvous(context.Background(), 1, 1, 4, 100); err == nil {
		t.Errorf("SendRendezvous staging beyond the sender's own segment must error")
	}
}

func TestEagerCutoverIsLarge(t *testing.T) {
	net := NewNetwork(1, 8)
	tr := net.Transport(0)
	if tr.EagerCutover() < 1<<16 {
		t.Errorf("EagerCutover() = %d, want a large threshold so every active message travels eager", tr.EagerCutover())
	}
}
