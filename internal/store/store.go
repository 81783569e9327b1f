// Package store defines the durable collaborator contracts the protocol
// runs against: a room registry whose owner field only moves through
// conditional writes, and a membership table with a change feed.
package store

import (
	"context"
	"errors"

	"github.com/peerdock/peerdock/internal/identity"
)

var (
	ErrRoomExists = errors.New("room already exists")
)

// Room is the durable room record. Owner is the current host; the zero
// ParticipantID means no host is recorded.
type Room struct {
	ID    string
	Name  string
	Owner identity.ParticipantID
}

// RoomStore is the room registry. Get returns (nil, nil) for an unknown
// room. CompareAndSwapOwner is the only way the owner field moves: the
// write applies iff the recorded owner still equals expect at write time,
// and the boolean reports whether it applied. A swap against an unknown
// room reports false without error.
type RoomStore interface {
	Get(ctx context.Context, roomID string) (*Room, error)
	Create(ctx context.Context, room Room) error
	CompareAndSwapOwner(ctx context.Context, roomID string, expect, next identity.ParticipantID) (bool, error)
}

// MemberEventKind discriminates membership change feed events.
type MemberEventKind string

const (
	MemberJoined MemberEventKind = "joined"
	MemberLeft   MemberEventKind = "left"
)

// MemberEvent is one membership table change.
type MemberEvent struct {
	Kind   MemberEventKind
	RoomID string
	UserID identity.ParticipantID
}

// MemberFeed delivers membership changes for one room until closed.
type MemberFeed interface {
	Events() <-chan MemberEvent
	Close() error
}

// MemberStore is the membership table. Add and Remove are idempotent.
type MemberStore interface {
	Add(ctx context.Context, roomID string, userID identity.ParticipantID) error
	Remove(ctx context.Context, roomID string, userID identity.ParticipantID) error
	List(ctx context.Context, roomID string) ([]identity.ParticipantID, error)
	Watch(ctx context.Context, roomID string) (MemberFeed, error)
}
