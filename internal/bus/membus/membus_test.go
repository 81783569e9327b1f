package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdock/peerdock/internal/bus"
)

func TestPublishFansOutToTopicSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "t1", bus.SubscribeOptions{})
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "t1", bus.SubscribeOptions{})
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "t2", bus.SubscribeOptions{})
	require.NoError(t, err)

	pub, err := b.Publisher(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("payload")))

	for _, s := range []bus.Subscription{s1, s2} {
		msg := <-s.Messages()
		assert.Equal(t, "t1", msg.Topic)
		assert.Equal(t, []byte("payload"), msg.Data)
	}

	select {
	case msg := <-other.Messages():
		t.Fatalf("topic leak: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPresenceEventsAndSnapshot(t *testing.T) {
	b := New()
	ctx := context.Background()

	alice := bus.PresenceEntry{UserID: "alice", Role: "host"}
	sa, err := b.Subscribe(ctx, "room", bus.SubscribeOptions{Presence: &alice})
	require.NoError(t, err)

	bob := bus.PresenceEntry{UserID: "bob", Role: "member"}
	sb, err := b.Subscribe(ctx, "room", bus.SubscribeOptions{Presence: &bob})
	require.NoError(t, err)

	// The earlier subscriber observes the join.
	evt := <-sa.PresenceEvents()
	assert.Equal(t, bus.PresenceJoined, evt.Kind)
	assert.Equal(t, bob, evt.Entry)

	// Both see the same snapshot.
	assert.ElementsMatch(t, []bus.PresenceEntry{alice, bob}, sa.Presence())
	assert.ElementsMatch(t, []bus.PresenceEntry{alice, bob}, sb.Presence())

	// Closing bob's subscription announces the departure.
	sb.Close()
	evt = <-sa.PresenceEvents()
	assert.Equal(t, bus.PresenceLeft, evt.Kind)
	assert.Equal(t, bob, evt.Entry)
	assert.ElementsMatch(t, []bus.PresenceEntry{alice}, sa.Presence())
}

func TestAnonymousSubscriberHasNoPresence(t *testing.T) {
	b := New()
	ctx := context.Background()

	alice := bus.PresenceEntry{UserID: "alice"}
	sa, err := b.Subscribe(ctx, "room", bus.SubscribeOptions{Presence: &alice})
	require.NoError(t, err)

	anon, err := b.Subscribe(ctx, "room", bus.SubscribeOptions{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []bus.PresenceEntry{alice}, anon.Presence())

	anon.Close()
	select {
	case evt := <-sa.PresenceEvents():
		t.Fatalf("anonymous close must not announce: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t1", bus.SubscribeOptions{})
	require.NoError(t, err)

	pub, err := b.Publisher(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, err = b.Subscribe(ctx, "t1", bus.SubscribeOptions{})
	require.ErrorIs(t, err, bus.ErrClosed)

	err = pub.Publish(ctx, []byte("x"))
	require.ErrorIs(t, err, bus.ErrClosed)

	// Subscription channels are closed.
	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(context.Background(), "t1", bus.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
