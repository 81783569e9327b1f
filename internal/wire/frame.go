// Package wire defines the websocket frames spoken between the relay
// server and its clients. All frames share one JSON shape discriminated by
// Op; request/response pairs correlate through ID.
package wire

import "encoding/json"

// Client → server operations.
const (
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
	OpPublish     = "pub"

	OpRoomCreate = "room_create"
	OpRoomGet    = "room_get"
	OpRoomCAS    = "room_cas"

	OpMemberAdd     = "member_add"
	OpMemberDel     = "member_del"
	OpMemberList    = "member_list"
	OpMemberWatch   = "member_watch"
	OpMemberUnwatch = "member_unwatch"
)

// Server → client operations.
const (
	OpResponse    = "resp"
	OpMessage     = "msg"
	OpPresence    = "presence"
	OpMemberEvent = "member_evt"
)

// Presence event kinds carried on OpPresence and OpMemberEvent frames.
const (
	KindJoined = "joined"
	KindLeft   = "left"
)

// PresenceEntry mirrors the bus presence shape on the wire.
type PresenceEntry struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// RoomRecord mirrors the durable room record on the wire.
type RoomRecord struct {
	ID    string `json:"id"`
	Name  string `json:"room_name"`
	Owner string `json:"owner,omitempty"`
}

// Frame is one websocket message in either direction. Only the fields
// relevant to the Op are populated.
type Frame struct {
	Op string `json:"op"`
	ID uint64 `json:"id,omitempty"`

	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Sub is the server-assigned subscription handle: returned on the sub
	// response, presented back on unsub. One connection may hold several
	// subscriptions to the same topic, so the topic alone cannot name one.
	Sub uint64 `json:"sub,omitempty"`

	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"room_name,omitempty"`

	// Compare-and-swap operands for room_cas.
	Expect string `json:"expect,omitempty"`
	Next   string `json:"next,omitempty"`

	// Response fields.
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Room    *RoomRecord     `json:"room,omitempty"`
	Members []string        `json:"members,omitempty"`
	Present []PresenceEntry `json:"present,omitempty"`

	// Event kind for presence and member events.
	Kind string `json:"kind,omitempty"`
}
