// Package bus defines the pub/sub collaborator contract: named topics with
// at-least-once delivery of opaque payloads and ephemeral presence tracking
// bound to the lifetime of a subscription.
package bus

import (
	"context"
	"errors"

	"github.com/peerdock/peerdock/internal/identity"
)

var ErrClosed = errors.New("bus closed")

// PresenceEntry is what a subscriber declares about itself on a topic. It
// lives exactly as long as the owning subscription stays open.
type PresenceEntry struct {
	UserID identity.ParticipantID `json:"user_id"`
	Role   string                 `json:"role"`
}

// Message is one payload delivered on a subscribed topic.
type Message struct {
	Topic string
	Data  []byte
}

// PresenceEventKind discriminates presence change events.
type PresenceEventKind string

const (
	PresenceJoined PresenceEventKind = "joined"
	PresenceLeft   PresenceEventKind = "left"
)

// PresenceEvent reports another subscriber appearing on or vanishing from
// the topic.
type PresenceEvent struct {
	Kind  PresenceEventKind
	Entry PresenceEntry
}

// SubscribeOptions configures a subscription. A non-nil Presence announces
// the caller on the topic's presence set.
type SubscribeOptions struct {
	Presence *PresenceEntry
}

// Subscription is one open attachment to a topic. Close is idempotent and
// drops the caller's presence entry as a side effect.
type Subscription interface {
	Messages() <-chan Message
	PresenceEvents() <-chan PresenceEvent
	// Presence returns the current presence snapshot for the topic,
	// excluding nobody (the caller's own entry is included).
	Presence() []PresenceEntry
	Close() error
}

// Publisher is a cached outbound handle for one topic. The signal router
// pools these per destination instead of re-resolving the topic on every
// send.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// Bus is the pub/sub collaborator.
type Bus interface {
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (Subscription, error)
	Publisher(ctx context.Context, topic string) (Publisher, error)
}
