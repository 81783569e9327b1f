package relaybus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
	"github.com/peerdock/peerdock/internal/wire"
)

// Get implements store.RoomStore.
func (c *Conn) Get(ctx context.Context, roomID string) (*store.Room, error) {
	resp, err := c.request(ctx, &wire.Frame{Op: wire.OpRoomGet, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("room get %s: %w", roomID, err)
	}
	if resp.Room == nil {
		return nil, nil
	}
	return &store.Room{
		ID:    resp.Room.ID,
		Name:  resp.Room.Name,
		Owner: identity.ParticipantID(resp.Room.Owner),
	}, nil
}

// Create implements store.RoomStore.
func (c *Conn) Create(ctx context.Context, room store.Room) error {
	resp, err := c.request(ctx, &wire.Frame{
		Op:     wire.OpRoomCreate,
		RoomID: room.ID,
		Name:   room.Name,
		Next:   room.Owner.String(),
	})
	if err != nil {
		return fmt.Errorf("room create %s: %w", room.ID, err)
	}
	if !resp.OK {
		if resp.Error == "room exists" {
			return store.ErrRoomExists
		}
		return fmt.Errorf("room create %s: %s", room.ID, resp.Error)
	}
	return nil
}

// CompareAndSwapOwner implements store.RoomStore.
func (c *Conn) CompareAndSwapOwner(ctx context.Context, roomID string, expect, next identity.ParticipantID) (bool, error) {
	resp, err := c.request(ctx, &wire.Frame{
		Op:     wire.OpRoomCAS,
		RoomID: roomID,
		Expect: expect.String(),
		Next:   next.String(),
	})
	if err != nil {
		return false, fmt.Errorf("room cas %s: %w", roomID, err)
	}
	return resp.OK, nil
}

// Add implements store.MemberStore.
func (c *Conn) Add(ctx context.Context, roomID string, userID identity.ParticipantID) error {
	resp, err := c.request(ctx, &wire.Frame{Op: wire.OpMemberAdd, RoomID: roomID, UserID: userID.String()})
	if err != nil {
		return fmt.Errorf("member add %s/%s: %w", roomID, userID, err)
	}
	if !resp.OK {
		return fmt.Errorf("member add %s/%s: %s", roomID, userID, resp.Error)
	}
	return nil
}

// Remove implements store.MemberStore.
func (c *Conn) Remove(ctx context.Context, roomID string, userID identity.ParticipantID) error {
	resp, err := c.request(ctx, &wire.Frame{Op: wire.OpMemberDel, RoomID: roomID, UserID: userID.String()})
	if err != nil {
		return fmt.Errorf("member del %s/%s: %w", roomID, userID, err)
	}
	if !resp.OK {
		return fmt.Errorf("member del %s/%s: %s", roomID, userID, resp.Error)
	}
	return nil
}

// List implements store.MemberStore.
func (c *Conn) List(ctx context.Context, roomID string) ([]identity.ParticipantID, error) {
	resp, err := c.request(ctx, &wire.Frame{Op: wire.OpMemberList, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("member list %s: %w", roomID, err)
	}
	ids := make([]identity.ParticipantID, 0, len(resp.Members))
	for _, m := range resp.Members {
		ids = append(ids, identity.ParticipantID(m))
	}
	return ids, nil
}

// Watch implements store.MemberStore.
func (c *Conn) Watch(ctx context.Context, roomID string) (store.MemberFeed, error) {
	resp, err := c.request(ctx, &wire.Frame{Op: wire.OpMemberWatch, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("member watch %s: %w", roomID, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("member watch %s: %s", roomID, resp.Error)
	}

	feed := &memberFeed{
		conn:   c,
		roomID: roomID,
		events: make(chan store.MemberEvent, subBuffer),
	}
	c.mu.Lock()
	c.feeds[roomID] = append(c.feeds[roomID], feed)
	c.mu.Unlock()
	return feed, nil
}

type memberFeed struct {
	conn   *Conn
	roomID string
	events chan store.MemberEvent

	mu     sync.Mutex
	closed bool
}

func (f *memberFeed) Events() <-chan store.MemberEvent {
	return f.events
}

func (f *memberFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	// Closing under f.mu keeps deliver from racing a send against the
	// close; it checks closed under the same lock.
	close(f.events)
	f.mu.Unlock()

	c := f.conn
	c.mu.Lock()
	feeds := c.feeds[f.roomID]
	if idx := slices.Index(feeds, f); idx >= 0 {
		c.feeds[f.roomID] = slices.Delete(feeds, idx, idx+1)
	}
	stillOpen := !c.closed
	c.mu.Unlock()

	if stillOpen {
		c.send(&wire.Frame{Op: wire.OpMemberUnwatch, RoomID: f.roomID})
	}
	return nil
}

func (f *memberFeed) deliver(evt store.MemberEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- evt:
	default:
	}
}
