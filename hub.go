package main

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// Overflow policies for a full subscriber queue
const (
	PolicyCoalesce = "coalesce" // evict the oldest pending snapshot, keep the newest
	PolicyDrop     = "drop"     // discard the incoming snapshot
)

// ErrCapacityExceeded rejects registrations beyond the configured
// subscriber limit. The connection is refused, not silently dropped.
var ErrCapacityExceeded = errors.New("subscriber capacity exceeded")

// Subscriber liveness states
const (
	StateConnected int32 = iota
	StateDraining
	StateClosed
)

// Subscriber is one registered viewer: a bounded queue of pending snapshots
// drained by a dedicated delivery goroutine. The broadcast path enqueues
// without ever blocking; the overflow policy decides what gives.
type Subscriber struct {
	ID     string
	queue  chan *Snapshot
	policy string

	state   atomic.Int32
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	lastSeq atomic.Uint64
}

func newSubscriber(id string, depth int, policy string) *Subscriber {
	if depth < 1 {
		depth = 1
	}
	return &Subscriber{
		ID:     id,
		queue:  make(chan *Snapshot, depth),
		policy: policy,
		closed: make(chan struct{}),
	}
}

// Enqueue offers a snapshot to the subscriber without blocking. Only the
// broadcast goroutine enqueues, so queue order matches production order and
// evicting the oldest entry keeps the sequence strictly increasing.
func (s *Subscriber) Enqueue(snap *Snapshot) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.queue <- snap:
		return true
	default:
	}

	if s.policy == PolicyDrop {
		s.dropped.Add(1)
		return false
	}

	// Coalesce: the most recent world state wins
	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- snap:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Queue returns the receive side for the delivery goroutine
func (s *Subscriber) Queue() <-chan *Snapshot {
	return s.queue
}

// MarkDraining flags the subscriber as on its way out
func (s *Subscriber) MarkDraining() {
	s.state.CompareAndSwap(StateConnected, StateDraining)
}

// Close transitions the subscriber to closed; idempotent
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.state.Store(StateClosed)
		close(s.closed)
	})
}

// Closed is signalled once the subscriber has been shut down
func (s *Subscriber) Closed() <-chan struct{} {
	return s.closed
}

// State returns the current liveness state
func (s *Subscriber) State() int32 {
	return s.state.Load()
}

// Dropped returns how many snapshots overflow discarded for this subscriber
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub tracks the set of registered subscribers and fans each snapshot out to
// their queues. A slow subscriber never blocks the simulator or its peers.
type Hub struct {
	cfg    *Config
	events *EventLog // optional
	mirror *Mirror   // optional

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	latest *Snapshot

	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
}

// NewHub creates a Hub. events and mirror may be nil.
func NewHub(cfg *Config, events *EventLog, mirror *Mirror) *Hub {
	return &Hub{
		cfg:     cfg,
		events:  events,
		mirror:  mirror,
		subs:    make(map[string]*Subscriber),
		ipConns: make(map[string]int),
	}
}

// Register adds a new subscriber, priming its queue with the latest snapshot
// so dashboards render immediately. Fails with ErrCapacityExceeded at the
// configured limit.
func (h *Hub) Register() (*Subscriber, error) {
	h.mu.Lock()
	if len(h.subs) >= h.cfg.MaxSubscribers {
		h.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	sub := newSubscriber(GenerateUUID(), h.cfg.QueueDepth, h.cfg.OverflowPolicy)
	// Prime before the subscriber is visible to Broadcast. Enqueue never
	// blocks, and priming under the lock keeps the queue ordered: a
	// concurrent Broadcast cannot slot a newer snapshot ahead of the
	// primed one.
	if h.latest != nil {
		sub.Enqueue(h.latest)
	}
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.events.Track(EvtSubscribe, sub.ID, "")
	return sub, nil
}

// Unregister removes a subscriber; idempotent and safe to call concurrently
// with delivery.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
		h.events.Track(EvtUnsubscribe, id, "")
	}
}

// Broadcast records the snapshot as the latest world state and enqueues it
// into every registered subscriber's queue. Never blocks on network I/O.
func (h *Hub) Broadcast(snap *Snapshot) {
	h.mu.Lock()
	h.latest = snap
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Enqueue(snap)
	}
	if h.mirror != nil {
		h.mirror.Publish(snap)
	}
}

// Latest returns the most recently produced snapshot, nil if none yet
func (h *Hub) Latest() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Count returns the number of registered subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}
