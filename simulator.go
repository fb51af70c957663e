package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Simulator lifecycle errors, surfaced synchronously to the caller
var (
	ErrAlreadyRunning = errors.New("simulator already running")
	ErrNotRunning     = errors.New("simulator not running")
)

// SnapshotSink receives each produced snapshot. Implementations must not
// block; the tick loop never waits on delivery.
type SnapshotSink interface {
	Broadcast(*Snapshot)
}

// FishSpec describes a fish to inject into the simulation
type FishSpec struct {
	ID      string // "" = generated
	Lat     float64
	Lon     float64
	Speed   float64
	Heading float64
}

// Simulator owns the authoritative fish set and the tick clock. The fish set
// is mutated only under mu, so adds and removes land between ticks and become
// visible starting the next tick.
type Simulator struct {
	cfg  *Config
	sink SnapshotSink

	mu      sync.Mutex
	fish    map[string]*Fish
	rng     *rand.Rand
	seq     uint64
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSimulator creates a simulator seeded with cfg.FishCount fish
func NewSimulator(cfg *Config, sink SnapshotSink) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		cfg:  cfg,
		sink: sink,
		fish: make(map[string]*Fish),
		rng:  rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < cfg.FishCount; i++ {
		id := fmt.Sprintf("fish-%d", i+1)
		s.fish[id] = NewFish(id, s.rng, cfg)
	}
	return s
}

// Start begins ticking at the configured interval. Calling Start on a
// running simulator fails with ErrAlreadyRunning.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

// Stop halts the tick clock. An in-flight tick completes and its snapshot
// is still delivered. Stop returns once the loop has exited.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (s *Simulator) run(stop, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-ticker.C:
			s.tick(time.Now().UTC())
		case <-stop:
			return
		}
	}
}

// tick advances every fish and hands the resulting snapshot to the sink.
// Fish are advanced in identifier order so a fixed seed reproduces the run.
func (s *Simulator) tick(now time.Time) {
	s.mu.Lock()

	s.seq++
	ids := make([]string, 0, len(s.fish))
	for id := range s.fish {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dt := s.cfg.TickInterval.Seconds()
	states := make([]FishState, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.advance(id, s.fish[id], dt, now); ok {
			states = append(states, st)
		}
	}

	snap := &Snapshot{Seq: s.seq, TS: now.UnixMilli(), Fish: states}
	s.mu.Unlock()

	s.sink.Broadcast(snap)
}

// advance updates one fish, isolating failures so a corrupt entity cannot
// stall telemetry for the others. A failed fish is logged and left out of
// the current tick's snapshot.
func (s *Simulator) advance(id string, f *Fish, dt float64, now time.Time) (st FishState, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("simulator: advancing fish %s failed: %v", id, r)
			ok = false
		}
	}()
	f.Advance(s.rng, dt, s.cfg, now)
	return f.ToState(), true
}

// AddFish adds a new fish between ticks. It appears starting the next tick.
func (s *Simulator) AddFish(spec FishSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fish) >= s.cfg.MaxFish {
		return "", fmt.Errorf("max fish count %d reached", s.cfg.MaxFish)
	}
	id := spec.ID
	if id == "" {
		id = "fish-" + GenerateID(3)
	}
	if _, exists := s.fish[id]; exists {
		return "", fmt.Errorf("fish %s already exists", id)
	}

	f := NewFish(id, s.rng, s.cfg)
	if spec.Lat != 0 || spec.Lon != 0 {
		f.Lat = Clamp(spec.Lat, -90, 90)
		f.Lon = WrapLongitude(spec.Lon)
	}
	if spec.Speed > 0 {
		f.Speed = Clamp(spec.Speed, s.cfg.MinSpeed, s.cfg.MaxSpeed)
	}
	if spec.Heading != 0 {
		f.Heading = WrapHeading(spec.Heading)
	}
	s.fish[id] = f
	return id, nil
}

// RemoveFish removes a fish between ticks; idempotent
func (s *Simulator) RemoveFish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fish, id)
}

// Inject applies an externally reported telemetry record, creating the fish
// if it is not yet tracked. The override lands between ticks and shows up in
// snapshots from the next tick on.
func (s *Simulator) Inject(t Telemetry) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fish[t.ID]
	if !ok {
		if len(s.fish) >= s.cfg.MaxFish {
			return fmt.Errorf("max fish count %d reached", s.cfg.MaxFish)
		}
		f = &Fish{ID: t.ID}
		s.fish[t.ID] = f
	}

	f.Lat = Clamp(t.Lat, -90, 90)
	f.Lon = WrapLongitude(t.Lon)
	if t.Speed > 0 {
		f.Speed = t.Speed
	}
	f.Heading = WrapHeading(t.Heading)

	ts := time.Now().UTC()
	if t.TS > 0 {
		ts = time.UnixMilli(t.TS).UTC()
	}
	if !ts.After(f.UpdatedAt) {
		ts = f.UpdatedAt.Add(time.Millisecond)
	}
	f.UpdatedAt = ts
	return nil
}

// FishCount returns the number of tracked fish
func (s *Simulator) FishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fish)
}

// Seq returns the sequence number of the last produced tick
func (s *Simulator) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Running reports whether the tick clock is active
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
