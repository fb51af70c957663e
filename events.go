package main

import (
	"database/sql"
	"log"
	"sync"
	"time"
)

// Event types for operational stream tracking
const (
	EvtSubscribe     = "subscribe"
	EvtUnsubscribe   = "unsubscribe"
	EvtSendTimeout   = "send_timeout"
	EvtProtocolError = "protocol_error"
	EvtIngest        = "ingest"
)

// StreamEvent represents a single trackable event
type StreamEvent struct {
	Type         string
	SubscriberID string
	Data         string // JSON metadata (optional)
	Timestamp    time.Time
}

// EventLog persists stream lifecycle events with batched background writes
type EventLog struct {
	db     *DB
	events chan StreamEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewEventLog creates and starts the background writer
func NewEventLog(db *DB) *EventLog {
	e := &EventLog{
		db:     db,
		events: make(chan StreamEvent, 1024),
		stop:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.writer()
	return e
}

// Track enqueues an event for async persistence. Non-blocking, and safe on
// a nil EventLog so callers need no guard when event logging is disabled.
func (e *EventLog) Track(evtType, subscriberID, data string) {
	if e == nil {
		return
	}
	select {
	case e.events <- StreamEvent{
		Type:         evtType,
		SubscriberID: subscriberID,
		Data:         data,
		Timestamp:    time.Now().UTC(),
	}:
	default:
		// Channel full, drop the event rather than blocking the stream
	}
}

// Stop gracefully shuts down the writer
func (e *EventLog) Stop() {
	if e == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
}

// writer is the background goroutine that batches and writes events to DB
func (e *EventLog) writer() {
	defer e.wg.Done()

	batch := make([]StreamEvent, 0, 64)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt := <-e.events:
			batch = append(batch, evt)
			if len(batch) >= 50 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-e.stop:
			// Drain what is already queued; the channel stays open because
			// connection teardown may still Track during shutdown
			for {
				select {
				case evt := <-e.events:
					batch = append(batch, evt)
				default:
					if len(batch) > 0 {
						e.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes a batch of events to the database
func (e *EventLog) flush(events []StreamEvent) {
	if e.db == nil || len(events) == 0 {
		return
	}
	tx, err := e.db.conn.Begin()
	if err != nil {
		log.Printf("events: begin tx error: %v", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO stream_events (event_type, subscriber_id, data, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		log.Printf("events: prepare error: %v", err)
		return
	}
	defer stmt.Close()

	for _, evt := range events {
		sid := sql.NullString{String: evt.SubscriberID, Valid: evt.SubscriberID != ""}
		data := sql.NullString{String: evt.Data, Valid: evt.Data != ""}
		if _, err := stmt.Exec(evt.Type, sid, data, evt.Timestamp.Format(time.RFC3339)); err != nil {
			log.Printf("events: insert error: %v", err)
		}
	}
	tx.Commit()
}

// EventCounts returns counts of each event type for the last N days
func (e *EventLog) EventCounts(days int) (map[string]int, error) {
	if e == nil || e.db == nil {
		return nil, nil
	}
	rows, err := e.db.conn.Query(`
		SELECT event_type, COUNT(*) FROM stream_events
		WHERE created_at >= date('now', '-' || ? || ' days')
		GROUP BY event_type ORDER BY COUNT(*) DESC
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var evtType string
		var count int
		if err := rows.Scan(&evtType, &count); err != nil {
			continue
		}
		result[evtType] = count
	}
	return result, rows.Err()
}
