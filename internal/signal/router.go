// Package signal routes addressed protocol messages between room
// participants over the pub/sub bus. Each participant listens on its own
// inbox topic plus the room topic; host announcements are the only
// broadcast kind.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/identity"
)

var (
	ErrSelfSignal  = errors.New("message addressed to self")
	ErrNotAttached = errors.New("router not attached")
)

// Handler receives every envelope addressed to the local identity, one call
// per message, in bus delivery order.
type Handler func(Envelope)

// Router is the signal router: it serializes outgoing envelopes onto
// per-destination topics and fans incoming envelopes out to registered
// handlers, dropping anything not addressed to the local identity.
type Router struct {
	bus    bus.Bus
	roomID string
	self   identity.ParticipantID
	log    *slog.Logger

	pool *publisherPool

	mu       sync.Mutex
	handlers []Handler
	inbox    bus.Subscription
	roomSub  bus.Subscription
	attached bool
	closed   bool
	done     chan struct{}
}

func NewRouter(b bus.Bus, roomID string, self identity.ParticipantID, log *slog.Logger) *Router {
	return &Router{
		bus:    b,
		roomID: roomID,
		self:   self,
		log:    log,
		pool:   newPublisherPool(b),
	}
}

// OnMessage registers a handler. Handlers registered after Attach still see
// subsequent messages.
func (r *Router) OnMessage(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Attach subscribes the router's inbox and room topics and starts the
// dispatch loop.
func (r *Router) Attach(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attached {
		return nil
	}

	inbox, err := r.bus.Subscribe(ctx, InboxTopic(r.roomID, r.self), bus.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	roomSub, err := r.bus.Subscribe(ctx, RoomTopic(r.roomID), bus.SubscribeOptions{})
	if err != nil {
		inbox.Close()
		return fmt.Errorf("subscribe room topic: %w", err)
	}

	r.inbox = inbox
	r.roomSub = roomSub
	r.attached = true
	r.done = make(chan struct{})

	go r.dispatch(inbox)
	go r.dispatch(roomSub)
	return nil
}

func (r *Router) dispatch(sub bus.Subscription) {
	for msg := range sub.Messages() {
		env, err := Decode(msg.Data)
		if err != nil {
			r.log.Debug("dropping undecodable signal", "topic", msg.Topic, "err", err)
			continue
		}
		if env.From == r.self {
			continue // own broadcast echoed back
		}
		if !env.To.IsZero() && env.To != r.self {
			continue // not addressed to us
		}

		r.mu.Lock()
		handlers := make([]Handler, len(r.handlers))
		copy(handlers, r.handlers)
		r.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}
}

// Send delivers one typed message to a single destination. KindHostElected
// is the designated broadcast kind and goes to the room topic instead; its
// destination argument is ignored. Sends to self are rejected.
func (r *Router) Send(ctx context.Context, to identity.ParticipantID, kind Kind, payload any) error {
	if kind != KindHostElected && to == r.self {
		return fmt.Errorf("send %s: %w", kind, ErrSelfSignal)
	}

	r.mu.Lock()
	attached := r.attached && !r.closed
	r.mu.Unlock()
	if !attached {
		return fmt.Errorf("send %s: %w", kind, ErrNotAttached)
	}

	env := Envelope{From: r.self, To: to, Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("send %s: marshal payload: %w", kind, err)
		}
		env.Data = data
	}

	topic := InboxTopic(r.roomID, to)
	if kind == KindHostElected {
		env.To = ""
		topic = RoomTopic(r.roomID)
	}

	raw, err := Encode(env)
	if err != nil {
		return err
	}

	pub, err := r.pool.get(ctx, topic)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, to, err)
	}
	if err := pub.Publish(ctx, raw); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, to, err)
	}
	return nil
}

// Close unsubscribes both topics and tears down the publisher pool. It is
// idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	inbox, roomSub := r.inbox, r.roomSub
	r.mu.Unlock()

	r.pool.close()
	if inbox != nil {
		inbox.Close()
	}
	if roomSub != nil {
		roomSub.Close()
	}
	return nil
}
