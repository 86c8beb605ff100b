// Package ws exposes completed frames to WebSocket consumers. Each
// connection is one broadcast subscriber: the broadcaster pushes
// encoded feed messages into the client's buffered send channel and the
// write pump drains it onto the wire.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Subscribers only send
	// control frames, never payloads.
	maxMessageSize = 4 * 1024

	// Send buffer size per client, in messages.
	sendBufferSize = 64
)

// Client is one WebSocket subscriber. It satisfies the broadcast
// Subscriber contract; Send enqueues a message with a bounded wait and
// the pumps own the connection lifecycle.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	connID string
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}

	// onGone runs once when the connection is torn down, whichever
	// side initiates it.
	onGone func(connID string)
}

// ID returns the connection identity used for registry membership.
func (c *Client) ID() string { return c.connID }

// Send enqueues one message for delivery. It waits up to the context
// deadline for buffer space; a full buffer past the deadline or a
// closed connection fails the delivery.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("subscriber %s: connection closed", c.connID)
	case <-ctx.Done():
		return fmt.Errorf("subscriber %s: %w", c.connID, ctx.Err())
	}
}

// Close tears the connection down. Idempotent; also invoked by the
// broadcaster when a delivery fails.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.onGone != nil {
			c.onGone(c.connID)
		}
	})
	return nil
}

// readPump consumes control messages from the peer and detects
// disconnects.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
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
