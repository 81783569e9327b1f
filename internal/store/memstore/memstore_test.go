package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
)

func TestGetMissingRoom(t *testing.T) {
	s := New()
	room, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestCreateDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "one"}))
	err := s.Create(ctx, store.Room{ID: "r1", Name: "two"})
	require.ErrorIs(t, err, store.ErrRoomExists)

	room, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "one", room.Name, "a failed create must not overwrite")
}

func TestCompareAndSwapOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1"}))

	ok, err := s.CompareAndSwapOwner(ctx, "r1", "", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// A swap keyed on a stale expectation fails and changes nothing.
	ok, err = s.CompareAndSwapOwner(ctx, "r1", "", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	room, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, identity.ParticipantID("alice"), room.Owner)

	// Missing room swaps report false, not an error.
	ok, err = s.CompareAndSwapOwner(ctx, "nope", "", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembershipRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Add(ctx, "r1", "alice")) // duplicate add is a no-op
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	rows, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []identity.ParticipantID{"alice", "bob"}, rows)

	require.NoError(t, s.Remove(ctx, "r1", "alice"))
	require.NoError(t, s.Remove(ctx, "r1", "alice")) // removing a missing row is a no-op

	rows, err = s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []identity.ParticipantID{"bob"}, rows)
}

func TestWatchDeliversEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	feed, err := s.Watch(ctx, "r1")
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Remove(ctx, "r1", "alice"))

	evt := <-feed.Events()
	assert.Equal(t, store.MemberJoined, evt.Kind)
	assert.Equal(t, identity.ParticipantID("alice"), evt.UserID)

	evt = <-feed.Events()
	assert.Equal(t, store.MemberLeft, evt.Kind)

	// Other rooms do not leak into this feed.
	require.NoError(t, s.Add(ctx, "r2", "bob"))
	select {
	case evt := <-feed.Events():
		t.Fatalf("unexpected event for other room: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWatchCloseIsIdempotent(t *testing.T) {
	s := New()
	feed, err := s.Watch(context.Background(), "r1")
	require.NoError(t, err)

	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())

	_, open := <-feed.Events()
	assert.False(t, open)
}
