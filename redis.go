package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorBufSize   = 64
	mirrorOpTimeout = 2 * time.Second
	latestFishHash  = "fish:latest"
)

// Mirror republishes snapshots to a Redis pub/sub channel and keeps the
// latest per-fish position in a hash, so external consumers can pick up the
// stream without holding a WebSocket. Entirely optional: failures are logged
// and never affect subscriber delivery.
type Mirror struct {
	rdb     *redis.Client
	channel string
	ch      chan *Snapshot
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMirror connects to Redis and starts the publishing goroutine.
// Returns nil (mirroring disabled) when addr is empty.
func NewMirror(addr, channel string) *Mirror {
	if addr == "" {
		return nil
	}
	m := &Mirror{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		ch:      make(chan *Snapshot, mirrorBufSize),
		stop:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Publish offers a snapshot to the mirror without blocking. If the mirror
// cannot keep up, older snapshots are skipped and the latest state wins,
// same as for slow subscribers.
func (m *Mirror) Publish(snap *Snapshot) {
	if m == nil {
		return
	}
	select {
	case m.ch <- snap:
		return
	default:
	}
	select {
	case <-m.ch:
	default:
	}
	select {
	case m.ch <- snap:
	default:
	}
}

// Stop shuts down the mirror and closes the Redis connection
func (m *Mirror) Stop() {
	if m == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.rdb.Close()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case snap := <-m.ch:
			m.publish(snap)
		case <-m.stop:
			return
		}
	}
}

func (m *Mirror) publish(snap *Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("mirror: marshal error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	if err := m.rdb.Publish(ctx, m.channel, payload).Err(); err != nil {
		log.Printf("mirror: publish error: %v", err)
	}

	// Latest position per fish, for consumers that only poll
	fields := make(map[string]interface{}, len(snap.Fish))
	for _, f := range snap.Fish {
		b, err := json.Marshal(f)
		if err != nil {
			continue
		}
		fields[f.ID] = string(b)
	}
	if len(fields) > 0 {
		if err := m.rdb.HSet(ctx, latestFishHash, fields).Err(); err != nil {
			log.Printf("mirror: hset error: %v", err)
		}
	}
}
