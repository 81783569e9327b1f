// Package memstore keeps the room registry and membership table in process
// memory. It backs tests and single-process sessions; the relay offers the
// same contracts over a websocket.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
)

type Store struct {
	mu       sync.Mutex
	rooms    map[string]*store.Room
	members  map[string][]identity.ParticipantID
	watchers map[string][]*feed
}

func New() *Store {
	return &Store{
		rooms:    make(map[string]*store.Room),
		members:  make(map[string][]identity.ParticipantID),
		watchers: make(map[string][]*feed),
	}
}

func (s *Store) Get(_ context.Context, roomID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (s *Store) Create(_ context.Context, room store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return store.ErrRoomExists
	}
	cp := room
	s.rooms[room.ID] = &cp
	return nil
}

// CompareAndSwapOwner applies the swap iff the recorded owner still equals
// expect. The mutex makes the compare and the write one atomic step, which
// is the property the election protocol leans on.
func (s *Store) CompareAndSwapOwner(_ context.Context, roomID string, expect, next identity.ParticipantID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	if room.Owner != expect {
		return false, nil
	}
	room.Owner = next
	return true, nil
}

func (s *Store) Add(_ context.Context, roomID string, userID identity.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.members[roomID], userID) {
		return nil
	}
	s.members[roomID] = append(s.members[roomID], userID)
	s.notify(store.MemberEvent{Kind: store.MemberJoined, RoomID: roomID, UserID: userID})
	return nil
}

func (s *Store) Remove(_ context.Context, roomID string, userID identity.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.members[roomID]
	idx := slices.Index(rows, userID)
	if idx < 0 {
		return nil
	}
	s.members[roomID] = slices.Delete(rows, idx, idx+1)
	s.notify(store.MemberEvent{Kind: store.MemberLeft, RoomID: roomID, UserID: userID})
	return nil
}

func (s *Store) List(_ context.Context, roomID string) ([]identity.ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.members[roomID]), nil
}

func (s *Store) Watch(_ context.Context, roomID string) (store.MemberFeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &feed{store: s, roomID: roomID, events: make(chan store.MemberEvent, 64)}
	s.watchers[roomID] = append(s.watchers[roomID], f)
	return f, nil
}

// notify is called with the mutex held.
func (s *Store) notify(evt store.MemberEvent) {
	for _, f := range s.watchers[evt.RoomID] {
		select {
		case f.events <- evt:
		default:
			// watcher stopped draining; drop rather than wedge the store
		}
	}
}

type feed struct {
	store  *Store
	roomID string
	events chan store.MemberEvent
	once   sync.Once
}

func (f *feed) Events() <-chan store.MemberEvent {
	return f.events
}

func (f *feed) Close() error {
	f.once.Do(func() {
		s := f.store
		s.mu.Lock()
		defer s.mu.Unlock()

		ws := s.watchers[f.roomID]
		if idx := slices.Index(ws, f); idx >= 0 {
			s.watchers[f.roomID] = slices.Delete(ws, idx, idx+1)
		}
		close(f.events)
	})
	return nil
}
