package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a session may go silent before it is dropped.
	pongWait = 20 * time.Second
	// pingPeriod is the keepalive interval; must be under pongWait.
	pingPeriod = 10 * time.Second
	// maxMessageSize bounds inbound frames.
	maxMessageSize = 4 * 1024
)

// Client is one socket session. The send channel is the only path to
// the connection's write side; rooms is guarded by the hub's lock.
type Client struct {
	id     string
	userID string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	rooms map[string]bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// Authenticated reports whether the session presented a valid token.
func (c *Client) Authenticated() bool { return c.userID != "" }

// SafeSend queues a frame for the session, dropping it when the queue
// is full or the session is closed. Reports whether the frame was
// queued.
func (c *Client) SafeSend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once; writePump tears down the
// connection when the channel drains.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// readPump consumes inbound frames until the connection drops, then
// unregisters the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.enqueueUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("session read failed",
					zap.String("session", c.id),
					zap.Error(err),
				)
			}
			return
		}
		c.hub.handleClientMessage(c, data)
	}
}

// writePump drains the send channel onto the connection and keeps the
// session alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, open := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
