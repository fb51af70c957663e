package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Client -> Server message types
const (
	MsgPing = "ping" // liveness probe, answered with a heartbeat
	MsgAuth = "auth" // producer token presentation
)

// Server -> Client message types
const (
	MsgWelcome   = "welcome"   // assigned subscriber id + stream parameters
	MsgHeartbeat = "heartbeat" // sent on an idle interval
	MsgError     = "error"
	MsgAuthOK    = "auth_ok"
)

// ErrProtocol is returned when an inbound message cannot be decoded.
// A protocol error fails the connection, it is never silently ignored.
var ErrProtocol = errors.New("protocol error")

// Envelope wraps all outgoing control messages with a type field.
// Snapshot frames bypass the envelope and go out as binary messages.
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope defers payload decoding until the message type is known
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// FishState is one entity record inside a snapshot frame
type FishState struct {
	ID      string  `msgpack:"id" json:"id"`
	Lat     float64 `msgpack:"lat" json:"lat"`
	Lon     float64 `msgpack:"lon" json:"lon"`
	Speed   float64 `msgpack:"spd" json:"speed"`
	Heading float64 `msgpack:"hdg" json:"heading"`
	TS      int64   `msgpack:"ts" json:"ts"` // unix milliseconds
}

// Snapshot is the world at one tick. Snapshots are immutable once produced
// and may be read concurrently by every subscriber's delivery goroutine.
type Snapshot struct {
	Seq  uint64      `msgpack:"seq" json:"seq"`
	TS   int64       `msgpack:"ts" json:"ts"` // unix milliseconds
	Fish []FishState `msgpack:"fish" json:"fish"`
}

// EncodeSnapshot marshals a snapshot frame for the wire
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeSnapshot unmarshals a binary snapshot frame
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// WelcomeMsg is sent to a subscriber right after registration
type WelcomeMsg struct {
	ID     string `json:"id"`      // assigned subscriber id
	TickMS int64  `json:"tick_ms"` // simulation tick interval
	Seq    uint64 `json:"seq"`     // latest produced tick, 0 if none yet
}

// HeartbeatMsg signals liveness absent new data
type HeartbeatMsg struct {
	Seq uint64 `json:"seq"` // latest tick the subscriber was sent
	TS  int64  `json:"ts"`
}

// ErrorMsg sends an error notice to the client
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// AuthMsg carries a producer JWT presented over the socket
type AuthMsg struct {
	Token string `json:"token"`
}

// AuthOKMsg confirms a validated producer token
type AuthOKMsg struct {
	Producer string `json:"producer"`
}

// Telemetry is the ingest payload POSTed by external producers
type Telemetry struct {
	ID      string  `json:"id"`
	TS      int64   `json:"ts,omitempty"` // unix milliseconds, 0 = server time
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Speed   float64 `json:"speed,omitempty"`
	Heading float64 `json:"heading,omitempty"`
}

// Validate checks an ingest payload for obviously bad values
func (t *Telemetry) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("missing id")
	}
	if t.Lat < -90 || t.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", t.Lat)
	}
	if t.Lon < -180 || t.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", t.Lon)
	}
	if t.Speed < 0 {
		return fmt.Errorf("negative speed %v", t.Speed)
	}
	return nil
}
