package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024
	maxMessagesPerSec = 10
	ctrlBufSize       = 16
)

// Client couples one WebSocket connection to its registered Subscriber.
// ReadPump handles inbound control messages, WritePump drains the
// subscriber's snapshot queue and emits heartbeats while idle.
type Client struct {
	hub        *Hub
	auth       *Auth // optional, for producer token presentation
	conn       *websocket.Conn
	sub        *Subscriber
	ctrl       chan Envelope
	remoteAddr string
	producer   string
	msgCount   int
	msgResetAt time.Time
}

// NewClient creates a Client bound to an already registered subscriber
func NewClient(hub *Hub, auth *Auth, conn *websocket.Conn, sub *Subscriber, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		auth:       auth,
		conn:       conn,
		sub:        sub,
		ctrl:       make(chan Envelope, ctrlBufSize),
		remoteAddr: remoteAddr,
	}
}

// ReadPump reads control messages from the WebSocket connection. A malformed
// message fails the connection with a protocol error; it is never silently
// ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.Unregister(c.sub.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws error: %v", err)
			}
			break
		}

		// Rate limiting
		now := time.Now()
		if now.After(c.msgResetAt) {
			c.msgCount = 0
			c.msgResetAt = now.Add(time.Second)
		}
		c.msgCount++
		if c.msgCount > maxMessagesPerSec {
			log.Printf("rate limit exceeded for %s, disconnecting", c.remoteAddr)
			break
		}

		if err := c.handleMessage(message); err != nil {
			log.Printf("subscriber %s: %v, disconnecting", c.sub.ID, err)
			c.hub.events.Track(EvtProtocolError, c.sub.ID, "")
			c.SendControl(Envelope{T: MsgError, Data: ErrorMsg{Msg: err.Error()}})
			c.sub.MarkDraining()
			break
		}
	}
}

// WritePump drains the subscriber queue onto the wire. Snapshot frames go
// out msgpack-encoded as binary messages, control frames as JSON text.
// A write that misses the send deadline disconnects this subscriber only.
func (c *Client) WritePump() {
	heartbeat := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		heartbeat.Stop()
		ping.Stop()
		c.conn.Close()
	}()

	if err := c.writeControl(Envelope{T: MsgWelcome, Data: WelcomeMsg{
		ID:     c.sub.ID,
		TickMS: c.hub.cfg.TickInterval.Milliseconds(),
		Seq:    c.latestSeq(),
	}}); err != nil {
		return
	}
	lastWrite := time.Now()

	for {
		select {
		case snap := <-c.sub.Queue():
			if err := c.writeSnapshot(snap); err != nil {
				c.sub.MarkDraining()
				c.hub.events.Track(EvtSendTimeout, c.sub.ID, "")
				c.hub.Unregister(c.sub.ID)
				return
			}
			c.sub.lastSeq.Store(snap.Seq)
			lastWrite = time.Now()

		case env := <-c.ctrl:
			if err := c.writeControl(env); err != nil {
				return
			}
			lastWrite = time.Now()

		case <-heartbeat.C:
			if time.Since(lastWrite) < c.hub.cfg.HeartbeatInterval {
				continue
			}
			hb := Envelope{T: MsgHeartbeat, Data: HeartbeatMsg{
				Seq: c.sub.lastSeq.Load(),
				TS:  time.Now().UnixMilli(),
			}}
			if err := c.writeControl(hb); err != nil {
				return
			}
			lastWrite = time.Now()

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.sub.Closed():
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) writeSnapshot(snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) writeControl(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendControl queues a control frame for the write pump; drops if the
// control buffer is full rather than blocking the caller.
func (c *Client) SendControl(env Envelope) {
	select {
	case c.ctrl <- env:
	default:
	}
}

func (c *Client) latestSeq() uint64 {
	if snap := c.hub.Latest(); snap != nil {
		return snap.Seq
	}
	return 0
}

// handleMessage routes inbound control messages. Returns a wrapped
// ErrProtocol for anything the protocol does not recognize.
func (c *Client) handleMessage(raw []byte) error {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch env.T {
	case MsgPing:
		c.SendControl(Envelope{T: MsgHeartbeat, Data: HeartbeatMsg{
			Seq: c.sub.lastSeq.Load(),
			TS:  time.Now().UnixMilli(),
		}})
		return nil

	case MsgAuth:
		return c.handleAuth(env.D)

	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.T)
	}
}

func (c *Client) handleAuth(data json.RawMessage) error {
	var msg AuthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if c.auth == nil {
		c.SendControl(Envelope{T: MsgError, Data: ErrorMsg{Msg: "auth unavailable"}})
		return nil
	}
	name, err := c.auth.ValidateToken(msg.Token)
	if err != nil {
		// Well-formed but invalid credentials: notify, keep the connection
		c.SendControl(Envelope{T: MsgError, Data: ErrorMsg{Msg: "invalid token"}})
		return nil
	}
	c.producer = name
	c.SendControl(Envelope{T: MsgAuthOK, Data: AuthOKMsg{Producer: name}})
	return nil
}
