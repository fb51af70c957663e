package main

import (
	"testing"
	"time"
)

func makeSnap(seq uint64) *Snapshot {
	return &Snapshot{Seq: seq, TS: int64(seq) * 1000}
}

func drain(s *Subscriber) []uint64 {
	var seqs []uint64
	for {
		select {
		case snap := <-s.Queue():
			seqs = append(seqs, snap.Seq)
		default:
			return seqs
		}
	}
}

func TestHubRegisterCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSubscribers = 2
	hub := NewHub(cfg, nil, nil)

	a, err := hub.Register()
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := hub.Register()
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	if _, err := hub.Register(); err != ErrCapacityExceeded {
		t.Errorf("third register = %v, want ErrCapacityExceeded", err)
	}

	// Existing subscribers are unaffected and keep receiving ticks
	hub.Broadcast(makeSnap(1))
	for _, sub := range []*Subscriber{a, b} {
		got := drain(sub)
		if len(got) != 1 || got[0] != 1 {
			t.Errorf("subscriber %s got %v, want [1]", sub.ID, got)
		}
	}
}

func TestHubUnregisterIdempotent(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}

	hub.Unregister(sub.ID)
	hub.Unregister(sub.ID) // second call must be a no-op

	if hub.Count() != 0 {
		t.Errorf("count = %d, want 0", hub.Count())
	}
	select {
	case <-sub.Closed():
	default:
		t.Error("subscriber not closed after unregister")
	}
	if sub.State() != StateClosed {
		t.Errorf("state = %d, want closed", sub.State())
	}
	if sub.Enqueue(makeSnap(1)) {
		t.Error("enqueue after close should report failure")
	}
}

func TestHubKeepingPaceReceivesEveryTick(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		hub.Broadcast(makeSnap(seq))
	}

	got := drain(sub)
	want := []uint64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestHubCoalesceSlowSubscriber(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	hub := NewHub(cfg, nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}

	// Subscriber never drains while ticks 1..10 are produced
	for seq := uint64(1); seq <= 10; seq++ {
		hub.Broadcast(makeSnap(seq))
	}

	got := drain(sub)
	if len(got) != 1 || got[0] != 10 {
		t.Errorf("slow subscriber got %v, want only the latest tick [10]", got)
	}
	if sub.Dropped() != 9 {
		t.Errorf("dropped = %d, want 9", sub.Dropped())
	}
}

func TestHubDropPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	cfg.OverflowPolicy = PolicyDrop
	hub := NewHub(cfg, nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 10; seq++ {
		hub.Broadcast(makeSnap(seq))
	}

	got := drain(sub)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("drop policy got %v, want the first tick [1]", got)
	}
	if sub.Dropped() != 9 {
		t.Errorf("dropped = %d, want 9", sub.Dropped())
	}
}

func TestHubOverflowStaysStrictlyIncreasing(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 3
	hub := NewHub(cfg, nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}

	var received []uint64
	for seq := uint64(1); seq <= 20; seq++ {
		hub.Broadcast(makeSnap(seq))
		if seq%5 == 0 {
			// Occasional partial drain, like a bursty client
			select {
			case snap := <-sub.Queue():
				received = append(received, snap.Seq)
			default:
			}
		}
	}
	received = append(received, drain(sub)...)

	if len(received) == 0 {
		t.Fatal("no snapshots received")
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", received)
		}
	}
}

func TestHubRegisterPrimesLatestSnapshot(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)
	hub.Broadcast(makeSnap(7))

	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}
	got := drain(sub)
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("new subscriber got %v, want primed [7]", got)
	}
}

func TestHubRegisterDuringBroadcastStaysOrdered(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var seq uint64
		for {
			select {
			case <-stop:
				return
			default:
				seq++
				hub.Broadcast(makeSnap(seq))
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	// Registrations race the broadcaster; the primed snapshot must never
	// land behind a newer one in the queue
	for i := 0; i < 500; i++ {
		sub, err := hub.Register()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
		got := drain(sub)
		for j := 1; j < len(got); j++ {
			if got[j] <= got[j-1] {
				t.Fatalf("out-of-order delivery %v", got)
			}
		}
		hub.Unregister(sub.ID)
	}
}

func TestHubBroadcastSkipsClosedSubscribers(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)
	sub, err := hub.Register()
	if err != nil {
		t.Fatal(err)
	}
	hub.Unregister(sub.ID)

	// Must not panic or deliver to the closed subscriber
	hub.Broadcast(makeSnap(1))
	if got := drain(sub); len(got) != 0 {
		t.Errorf("closed subscriber received %v", got)
	}
}

func TestHubConnLimits(t *testing.T) {
	hub := NewHub(testConfig(), nil, nil)

	for i := 0; i < maxConnsPerIP; i++ {
		if !hub.CanAccept("10.0.0.1") {
			t.Fatalf("conn %d from fresh IP rejected", i)
		}
		hub.TrackConnect("10.0.0.1")
	}
	if hub.CanAccept("10.0.0.1") {
		t.Error("per-IP limit not enforced")
	}
	if !hub.CanAccept("10.0.0.2") {
		t.Error("other IPs should still be accepted")
	}

	hub.TrackDisconnect("10.0.0.1")
	if !hub.CanAccept("10.0.0.1") {
		t.Error("disconnect should free a per-IP slot")
	}
}
