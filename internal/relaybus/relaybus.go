// Package relaybus speaks the relay wire protocol over one websocket and
// exposes it as the three collaborator contracts: bus.Bus,
// store.RoomStore and store.MemberStore. Store calls are correlated
// request/response pairs; topic traffic and events are pushed.
package relaybus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/dns"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
	"github.com/peerdock/peerdock/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// requestTimeout bounds every correlated store call and subscription
	// establishment.
	requestTimeout = 10 * time.Second

	subBuffer = 64
)

var (
	ErrTimeout = errors.New("relay request timeout")
	ErrClosed  = errors.New("relay connection closed")
)

// Conn is one client connection to the relay.
type Conn struct {
	serverURL string
	conn      *websocket.Conn
	outgoing  chan *wire.Frame
	done      chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *wire.Frame
	subs    map[string][]*subscription
	feeds   map[string][]*memberFeed
	closed  bool
}

func New(serverURL string) *Conn {
	return &Conn{
		serverURL: serverURL,
		outgoing:  make(chan *wire.Frame, 64),
		done:      make(chan struct{}),
		pending:   make(map[uint64]chan *wire.Frame),
		subs:      make(map[string][]*subscription),
		feeds:     make(map[string][]*memberFeed),
	}
}

// Connect establishes the websocket connection and starts the pumps.
func (c *Conn) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}

	// Resolve through the fallback-capable lookup so a broken system
	// resolver still reaches the relay.
	dialer := *websocket.DefaultDialer
	dialer.NetDial = func(network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		resolvedIP, err := dns.Lookup(host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
		return net.Dial(network, net.JoinHostPort(resolvedIP, port))
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return nil
}

// Close shuts the connection down and fails every open subscription and
// pending request. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return nil
}

func (c *Conn) readPump() {
	defer func() {
		c.conn.Close()
		c.teardown()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var frame wire.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(&frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Conn) dispatch(frame *wire.Frame) {
	switch frame.Op {
	case wire.OpResponse:
		c.mu.Lock()
		ch := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- frame
		}

	case wire.OpMessage:
		c.mu.Lock()
		subs := slices.Clone(c.subs[frame.Topic])
		c.mu.Unlock()
		for _, sub := range subs {
			sub.deliver(bus.Message{Topic: frame.Topic, Data: frame.Data})
		}

	case wire.OpPresence:
		entry := bus.PresenceEntry{UserID: identity.ParticipantID(frame.UserID), Role: frame.Role}
		kind := bus.PresenceJoined
		if frame.Kind == wire.KindLeft {
			kind = bus.PresenceLeft
		}
		c.mu.Lock()
		subs := slices.Clone(c.subs[frame.Topic])
		c.mu.Unlock()
		for _, sub := range subs {
			sub.applyPresence(bus.PresenceEvent{Kind: kind, Entry: entry})
		}

	case wire.OpMemberEvent:
		kind := store.MemberJoined
		if frame.Kind == wire.KindLeft {
			kind = store.MemberLeft
		}
		evt := store.MemberEvent{Kind: kind, RoomID: frame.RoomID, UserID: identity.ParticipantID(frame.UserID)}
		c.mu.Lock()
		feeds := slices.Clone(c.feeds[frame.RoomID])
		c.mu.Unlock()
		for _, feed := range feeds {
			feed.deliver(evt)
		}
	}
}

// teardown runs when the socket drops: every subscription and feed closes
// so consumers observe the disconnect instead of hanging.
func (c *Conn) teardown() {
	c.mu.Lock()
	var subs []*subscription
	for _, ss := range c.subs {
		subs = append(subs, ss...)
	}
	var feeds []*memberFeed
	for _, fs := range c.feeds {
		feeds = append(feeds, fs...)
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *wire.Frame)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.Close()
	}
	for _, feed := range feeds {
		feed.Close()
	}
}

// request sends a correlated frame and waits for its response.
func (c *Conn) request(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	frame.ID = c.nextID
	ch := make(chan *wire.Frame, 1)
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	select {
	case c.outgoing <- frame:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-time.After(requestTimeout):
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", frame.Op, ErrTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// send queues a fire-and-forget frame.
func (c *Conn) send(frame *wire.Frame) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}
