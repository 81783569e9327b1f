// Package membus is the in-process bus: topics are maps of subscribers, a
// publish fans out synchronously, presence entries die with their
// subscription. It backs tests and single-process sessions.
package membus

import (
	"context"
	"slices"
	"sync"

	"github.com/peerdock/peerdock/internal/bus"
)

const subBuffer = 64

type Bus struct {
	mu     sync.Mutex
	topics map[string][]*subscription
	closed bool
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*subscription)}
}

func (b *Bus) Subscribe(_ context.Context, topic string, opts bus.SubscribeOptions) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	sub := &subscription{
		bus:      b,
		topic:    topic,
		presence: opts.Presence,
		messages: make(chan bus.Message, subBuffer),
		events:   make(chan bus.PresenceEvent, subBuffer),
	}

	if opts.Presence != nil {
		for _, peer := range b.topics[topic] {
			if peer.presence == nil {
				continue
			}
			peer.deliverEvent(bus.PresenceEvent{Kind: bus.PresenceJoined, Entry: *opts.Presence})
		}
	}

	b.topics[topic] = append(b.topics[topic], sub)
	return sub, nil
}

func (b *Bus) Publisher(_ context.Context, topic string) (bus.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}
	return &publisher{bus: b, topic: topic}, nil
}

// Close tears down every topic and subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0)
	for _, ss := range b.topics {
		subs = append(subs, ss...)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (b *Bus) publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}
	for _, sub := range b.topics[topic] {
		sub.deliver(bus.Message{Topic: topic, Data: slices.Clone(data)})
	}
	return nil
}

// detach is called by subscription.Close; it removes the subscription and
// announces the presence drop to the remaining subscribers.
func (b *Bus) detach(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	idx := slices.Index(subs, sub)
	if idx < 0 {
		return
	}
	b.topics[sub.topic] = slices.Delete(subs, idx, idx+1)

	if sub.presence == nil {
		return
	}
	for _, peer := range b.topics[sub.topic] {
		peer.deliverEvent(bus.PresenceEvent{Kind: bus.PresenceLeft, Entry: *sub.presence})
	}
}

func (b *Bus) presenceSnapshot(topic string) []bus.PresenceEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []bus.PresenceEntry
	for _, sub := range b.topics[topic] {
		if sub.presence != nil {
			entries = append(entries, *sub.presence)
		}
	}
	return entries
}

type subscription struct {
	bus      *Bus
	topic    string
	presence *bus.PresenceEntry
	messages chan bus.Message
	events   chan bus.PresenceEvent
	once     sync.Once
}

func (s *subscription) Messages() <-chan bus.Message { return s.messages }
func (s *subscription) PresenceEvents() <-chan bus.PresenceEvent { return s.events }

func (s *subscription) Presence() []bus.PresenceEntry {
	return s.bus.presenceSnapshot(s.topic)
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.detach(s)
		close(s.messages)
		close(s.events)
	})
	return nil
}

func (s *subscription) deliver(msg bus.Message) {
	select {
	case s.messages <- msg:
	default:
		// subscriber stopped draining; drop rather than wedge the bus
	}
}

func (s *subscription) deliverEvent(evt bus.PresenceEvent) {
	select {
	case s.events <- evt:
	default:
	}
}

type publisher struct {
	bus    *Bus
	topic  string
	closed bool
	mu     sync.Mutex
}

func (p *publisher) Publish(_ context.Context, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bus.ErrClosed
	}
	p.mu.Unlock()
	return p.bus.publish(p.topic, data)
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
