package relay

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/punitmishra/chai.im/internal/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Transport-level ping period; must be shorter than pongWait. Protocol
	// Ping/Pong frames ride on top of this.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Envelopes are small; 1MB leaves headroom
	// for prekey batches.
	maxFrameSize = 1 << 20

	// Outbound queue capacity. A full queue drops the connection:
	// backpressure protects the engine from a slow recipient.
	sendQueueSize = 100
)

// Client is one authenticated WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	UserID   uuid.UUID
	DeviceID uuid.UUID

	// binaryEncoding mirrors the encoding of the client's last inbound
	// frame so replies go back the same way.
	mu             sync.Mutex
	closed         bool
	binaryEncoding bool
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, userID, deviceID uuid.UUID) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		UserID:   userID,
		DeviceID: deviceID,
	}
}

// SendFrame encodes a server frame in the client's preferred encoding and
// enqueues it. Returns false when the queue is full or the client is gone;
// the hub decides what to do about it.
func (c *Client) SendFrame(frame protocol.ServerFrame) bool {
	c.mu.Lock()
	binary := c.binaryEncoding
	c.mu.Unlock()

	var data []byte
	var err error
	if binary {
		data, err = protocol.EncodeServerFrame(frame)
	} else {
		data, err = protocol.EncodeServerFrameJSON(frame)
	}
	if err != nil {
		log.Printf("[relay] failed to encode %T: %v", frame, err)
		return true
	}
	return c.enqueue(data)
}

// enqueue places raw bytes on the outbound queue without blocking.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue exactly once, ending the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump decodes inbound frames and hands them to the hub. It owns the
// connection's read side; when it returns the client is unregistered.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			log.Printf("[relay] close: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay] read error user=%s: %v", c.UserID, err)
			}
			return
		}

		frame, err := protocol.DecodeClientFrameAuto(data)
		if err != nil {
			// A malformed or unknown frame does not cost the connection.
			c.SendFrame(protocol.Error{Code: protocol.ErrorInvalidMessage, Message: "invalid message"})
			continue
		}

		c.mu.Lock()
		c.binaryEncoding = len(data) > 0 && data[0] != '{'
		c.mu.Unlock()

		c.hub.HandleFrame(c, frame)
	}
}

// WritePump drains the outbound queue onto the socket and keeps the
// transport alive with pings. It exits when the queue closes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(messageKind(data), data); err != nil {
				log.Printf("[relay] write error user=%s: %v", c.UserID, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// messageKind picks the WebSocket frame type matching the encoding.
func messageKind(data []byte) int {
	if len(data) > 0 && data[0] == '{' {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}
