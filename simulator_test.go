package main

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// testConfig returns a small, fixed-seed configuration for tests
func testConfig() *Config {
	return &Config{
		TickInterval:      20 * time.Millisecond,
		FishCount:         3,
		MaxFish:           50,
		QueueDepth:        8,
		OverflowPolicy:    PolicyCoalesce,
		MaxSubscribers:    4,
		SendTimeout:       time.Second,
		HeartbeatInterval: time.Second,
		HeadingJitter:     15,
		MinSpeed:          0.5,
		MaxSpeed:          5,
		OriginLat:         18.5,
		OriginLon:         73.8,
		SpawnSpread:       1,
		Seed:              42,
	}
}

// mockSink captures broadcast snapshots for testing
type mockSink struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (m *mockSink) Broadcast(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func (m *mockSink) last() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return nil
	}
	return m.snaps[len(m.snaps)-1]
}

func TestSimulatorStartStopLifecycle(t *testing.T) {
	sim := NewSimulator(testConfig(), &mockSink{})

	if err := sim.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sim.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sim.Stop(); err != ErrNotRunning {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}
}

func TestSimulatorTickSequence(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	now := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		sim.tick(now)
	}

	if sink.count() != 5 {
		t.Fatalf("expected 5 snapshots, got %d", sink.count())
	}
	for i, snap := range sink.snaps {
		if snap.Seq != uint64(i+1) {
			t.Errorf("snapshot %d has seq %d, want %d", i, snap.Seq, i+1)
		}
		if len(snap.Fish) != 3 {
			t.Errorf("snapshot %d has %d fish, want 3", i, len(snap.Fish))
		}
		if !sort.SliceIsSorted(snap.Fish, func(a, b int) bool {
			return snap.Fish[a].ID < snap.Fish[b].ID
		}) {
			t.Errorf("snapshot %d fish records not in identifier order", i)
		}
	}
}

func TestSimulatorDeterministicUnderFixedSeed(t *testing.T) {
	sinkA, sinkB := &mockSink{}, &mockSink{}
	simA := NewSimulator(testConfig(), sinkA)
	simB := NewSimulator(testConfig(), sinkB)

	now := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		simA.tick(now)
		simB.tick(now)
	}

	for i := range sinkA.snaps {
		a, b := sinkA.snaps[i], sinkB.snaps[i]
		if len(a.Fish) != len(b.Fish) {
			t.Fatalf("tick %d: fish counts differ", i)
		}
		for j := range a.Fish {
			fa, fb := a.Fish[j], b.Fish[j]
			if fa.ID != fb.ID || fa.Lat != fb.Lat || fa.Lon != fb.Lon ||
				fa.Speed != fb.Speed || fa.Heading != fb.Heading {
				t.Fatalf("tick %d fish %d diverged: %+v vs %+v", i, j, fa, fb)
			}
		}
	}
}

func TestSimulatorAddFishVisibleNextTick(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	now := time.Now().UTC().Add(time.Hour)
	sim.tick(now)

	id, err := sim.AddFish(FishSpec{ID: "fish-new"})
	if err != nil {
		t.Fatalf("AddFish: %v", err)
	}
	if id != "fish-new" {
		t.Fatalf("AddFish returned id %q", id)
	}

	first := sink.snaps[0]
	for _, f := range first.Fish {
		if f.ID == "fish-new" {
			t.Fatal("new fish appeared in a snapshot produced before it was added")
		}
	}

	sim.tick(now.Add(time.Second))
	second := sink.last()
	found := false
	for _, f := range second.Fish {
		if f.ID == "fish-new" {
			found = true
		}
	}
	if !found {
		t.Error("new fish missing from the tick after it was added")
	}
}

func TestSimulatorRemoveFishIdempotent(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	sim.RemoveFish("fish-1")
	sim.RemoveFish("fish-1")
	if sim.FishCount() != 2 {
		t.Errorf("fish count = %d, want 2", sim.FishCount())
	}

	sim.tick(time.Now().UTC().Add(time.Hour))
	for _, f := range sink.last().Fish {
		if f.ID == "fish-1" {
			t.Error("removed fish still present in snapshot")
		}
	}
}

func TestSimulatorAddFishLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFish = 3 // already at capacity from FishCount
	sim := NewSimulator(cfg, &mockSink{})

	if _, err := sim.AddFish(FishSpec{}); err == nil {
		t.Error("AddFish beyond MaxFish should fail")
	}
	if _, err := sim.AddFish(FishSpec{ID: "fish-1"}); err == nil {
		t.Error("AddFish with duplicate id should fail")
	}
}

func TestSimulatorInject(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	rec := Telemetry{ID: "tag-A", Lat: 12.5, Lon: 76.2, Speed: 1.8, Heading: 270}
	if err := sim.Inject(rec); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if sim.FishCount() != 4 {
		t.Fatalf("fish count = %d, want 4", sim.FishCount())
	}

	// Invalid records are rejected before touching the entity set
	bad := []Telemetry{
		{ID: "", Lat: 0, Lon: 0},
		{ID: "x", Lat: 91, Lon: 0},
		{ID: "x", Lat: 0, Lon: 181},
		{ID: "x", Lat: 0, Lon: 0, Speed: -1},
	}
	for _, b := range bad {
		if err := sim.Inject(b); err == nil {
			t.Errorf("Inject(%+v) should fail", b)
		}
	}
	if sim.FishCount() != 4 {
		t.Errorf("invalid inject mutated the entity set")
	}

	sim.tick(time.Now().UTC().Add(time.Hour))
	found := false
	for _, f := range sink.last().Fish {
		if f.ID == "tag-A" {
			found = true
		}
	}
	if !found {
		t.Error("ingested fish missing from the next snapshot")
	}
}

func TestSimulatorTickIsolatesCorruptFish(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	// A corrupted entry must not take the tick down with it
	sim.mu.Lock()
	sim.fish["fish-bad"] = nil
	sim.mu.Unlock()

	now := time.Now().UTC().Add(time.Hour)
	sim.tick(now)

	snap := sink.last()
	if snap == nil {
		t.Fatal("tick produced no snapshot")
	}
	if len(snap.Fish) != 3 {
		t.Fatalf("snapshot has %d fish, want the 3 healthy ones", len(snap.Fish))
	}
	for _, f := range snap.Fish {
		if f.ID == "fish-bad" {
			t.Error("corrupt fish present in snapshot")
		}
	}

	// The clock keeps ticking afterwards
	sim.tick(now.Add(time.Second))
	if sink.count() != 2 {
		t.Fatalf("expected 2 snapshots, got %d", sink.count())
	}
	if last := sink.last(); last.Seq != 2 || len(last.Fish) != 3 {
		t.Errorf("second tick: seq=%d fish=%d", last.Seq, len(last.Fish))
	}
}

func TestSimulatorStopWithinOneTick(t *testing.T) {
	sink := &mockSink{}
	sim := NewSimulator(testConfig(), sink)

	if err := sim.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(70 * time.Millisecond)
	if err := sim.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n := sink.count()
	if n == 0 {
		t.Fatal("no snapshots produced while running")
	}
	time.Sleep(70 * time.Millisecond)
	if sink.count() != n {
		t.Errorf("snapshots still produced after Stop: %d -> %d", n, sink.count())
	}
}
