package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdock/peerdock/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for SDP payloads
)

// Client is a wrapper for a single websocket connection attached to the
// hub. The hub owns all of its topic and watcher bookkeeping; the client
// only pumps frames.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// Send is a buffered channel for all outbound frames. The hub writes
	// to it; WritePump drains it onto the socket.
	Send chan *wire.Frame

	// Bookkeeping maintained exclusively by the hub goroutine.
	subs     map[uint64]*topicSub
	watching map[string]bool
}

// ReadPump pumps frames from the websocket connection to the hub. At most
// one reader per connection runs, and it is this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wire.Frame
		if err := c.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("relay read error", "err", err)
			}
			break
		}
		c.Hub.Inbound <- &inboundFrame{client: c, frame: &frame}
	}
}

// WritePump pumps frames from the hub to the websocket connection and
// keeps the connection alive with periodic pings. At most one writer per
// connection runs, and it is this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(frame); err != nil {
				slog.Debug("relay write error", "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues one frame without blocking the hub; a client that stopped
// draining its channel misses frames rather than wedging everyone else.
func (c *Client) deliver(frame *wire.Frame) {
	select {
	case c.Send <- frame:
	default:
		slog.Warn("relay client send buffer full, dropping frame", "op", frame.Op)
	}
}
