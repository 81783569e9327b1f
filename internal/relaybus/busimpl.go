package relaybus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/wire"
)

// Subscribe implements bus.Bus.
func (c *Conn) Subscribe(ctx context.Context, topic string, opts bus.SubscribeOptions) (bus.Subscription, error) {
	req := &wire.Frame{Op: wire.OpSubscribe, Topic: topic}
	if opts.Presence != nil {
		req.UserID = opts.Presence.UserID.String()
		req.Role = opts.Presence.Role
	}

	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("subscribe %s: %s", topic, resp.Error)
	}

	sub := &subscription{
		conn:     c,
		topic:    topic,
		serverID: resp.Sub,
		messages: make(chan bus.Message, subBuffer),
		events:   make(chan bus.PresenceEvent, subBuffer),
		present:  make(map[identity.ParticipantID]bus.PresenceEntry),
	}
	for _, entry := range resp.Present {
		sub.present[identity.ParticipantID(entry.UserID)] = bus.PresenceEntry{
			UserID: identity.ParticipantID(entry.UserID),
			Role:   entry.Role,
		}
	}

	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], sub)
	c.mu.Unlock()
	return sub, nil
}

// Publisher implements bus.Bus. Publishes ride the shared socket, so the
// handle itself holds no server-side state; pooling still spares the
// per-send frame setup and gives the router its teardown hook.
func (c *Conn) Publisher(_ context.Context, topic string) (bus.Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return &publisher{conn: c, topic: topic}, nil
}

type subscription struct {
	conn     *Conn
	topic    string
	serverID uint64

	messages chan bus.Message
	events   chan bus.PresenceEvent

	mu      sync.Mutex
	present map[identity.ParticipantID]bus.PresenceEntry
	closed  bool
}

func (s *subscription) Messages() <-chan bus.Message { return s.messages }
func (s *subscription) PresenceEvents() <-chan bus.PresenceEvent { return s.events }

// Presence returns the tracked presence view: the snapshot the server
// returned at subscribe time plus every event since.
func (s *subscription) Presence() []bus.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]bus.PresenceEntry, 0, len(s.present))
	for _, entry := range s.present {
		entries = append(entries, entry)
	}
	return entries
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	// Closing under s.mu keeps deliver from racing a send against the
	// close; it checks closed under the same lock.
	close(s.messages)
	close(s.events)
	s.mu.Unlock()

	c := s.conn
	c.mu.Lock()
	subs := c.subs[s.topic]
	if idx := slices.Index(subs, s); idx >= 0 {
		c.subs[s.topic] = slices.Delete(subs, idx, idx+1)
	}
	stillOpen := !c.closed
	c.mu.Unlock()

	if stillOpen {
		c.send(&wire.Frame{Op: wire.OpUnsubscribe, Topic: s.topic, Sub: s.serverID})
	}
	return nil
}

func (s *subscription) deliver(msg bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *subscription) applyPresence(evt bus.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch evt.Kind {
	case bus.PresenceJoined:
		s.present[evt.Entry.UserID] = evt.Entry
	case bus.PresenceLeft:
		delete(s.present, evt.Entry.UserID)
	}

	select {
	case s.events <- evt:
	default:
	}
}

type publisher struct {
	conn  *Conn
	topic string

	mu     sync.Mutex
	closed bool
}

func (p *publisher) Publish(ctx context.Context, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	resp, err := p.conn.request(ctx, &wire.Frame{Op: wire.OpPublish, Topic: p.topic, Data: data})
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	if !resp.OK {
		return fmt.Errorf("publish %s: %s", p.topic, resp.Error)
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
