// Package relay is the websocket server granting remote processes the
// three collaborator contracts the protocol needs: named pub/sub topics
// with presence, a room registry with compare-and-swap owner updates, and
// a membership table with a change feed.
package relay

import (
	"log/slog"
	"slices"

	"github.com/peerdock/peerdock/internal/wire"
)

type inboundFrame struct {
	client *Client
	frame  *wire.Frame
}

// topicSub is one subscription a client holds on a topic. A connection may
// subscribe the same topic several times (with and without presence), so
// each attachment gets its own record and its own handle.
type topicSub struct {
	id     uint64
	topic  string
	client *Client
	entry  *wire.PresenceEntry
}

// Hub is the single goroutine owning all relay state. Running every
// operation on one loop is what makes the room_cas compare and write one
// atomic step.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *inboundFrame

	topics   map[string][]*topicSub
	rooms    map[string]*wire.RoomRecord
	members  map[string][]string
	watchers map[string]map[*Client]bool

	nextSub uint64

	log *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *inboundFrame, 64),
		topics:     make(map[string][]*topicSub),
		rooms:      make(map[string]*wire.RoomRecord),
		members:    make(map[string][]string),
		watchers:   make(map[string]map[*Client]bool),
		log:        slog.Default().With("component", "relay"),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.log.Debug("client registered", "addr", client.Conn.RemoteAddr())

		case client := <-h.Unregister:
			h.dropClient(client)

		case in := <-h.Inbound:
			h.handle(in.client, in.frame)
		}
	}
}

func (h *Hub) handle(c *Client, f *wire.Frame) {
	switch f.Op {
	case wire.OpSubscribe:
		h.subscribe(c, f)
	case wire.OpUnsubscribe:
		h.unsubscribe(c, f)
	case wire.OpPublish:
		h.publish(c, f)
	case wire.OpRoomCreate:
		h.roomCreate(c, f)
	case wire.OpRoomGet:
		h.roomGet(c, f)
	case wire.OpRoomCAS:
		h.roomCAS(c, f)
	case wire.OpMemberAdd:
		h.memberAdd(c, f)
	case wire.OpMemberDel:
		h.memberDel(c, f)
	case wire.OpMemberList:
		h.memberList(c, f)
	case wire.OpMemberWatch:
		h.memberWatch(c, f)
	case wire.OpMemberUnwatch:
		h.memberUnwatch(c, f)
	default:
		c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, Error: "unknown op"})
	}
}

func (h *Hub) subscribe(c *Client, f *wire.Frame) {
	h.nextSub++
	sub := &topicSub{id: h.nextSub, topic: f.Topic, client: c}
	if f.UserID != "" {
		sub.entry = &wire.PresenceEntry{UserID: f.UserID, Role: f.Role}
	}
	h.topics[f.Topic] = append(h.topics[f.Topic], sub)
	c.subs[sub.id] = sub

	if sub.entry != nil {
		h.fanPresence(f.Topic, wire.KindJoined, *sub.entry, c)
	}

	c.deliver(&wire.Frame{
		Op: wire.OpResponse, ID: f.ID, OK: true, Sub: sub.id,
		Present: h.presenceSnapshot(f.Topic),
	})
}

func (h *Hub) unsubscribe(c *Client, f *wire.Frame) {
	if sub := c.subs[f.Sub]; sub != nil {
		h.detachSub(sub)
	}
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) publish(c *Client, f *wire.Frame) {
	out := &wire.Frame{Op: wire.OpMessage, Topic: f.Topic, Data: f.Data}
	for _, cl := range h.topicClients(f.Topic, nil) {
		cl.deliver(out)
	}
	if f.ID != 0 {
		c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
	}
}

func (h *Hub) roomCreate(c *Client, f *wire.Frame) {
	if _, ok := h.rooms[f.RoomID]; ok {
		c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, Error: "room exists"})
		return
	}
	h.rooms[f.RoomID] = &wire.RoomRecord{ID: f.RoomID, Name: f.Name, Owner: f.Next}
	h.log.Info("room created", "room", f.RoomID, "owner", f.Next)
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) roomGet(c *Client, f *wire.Frame) {
	room := h.rooms[f.RoomID]
	resp := &wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true}
	if room != nil {
		cp := *room
		resp.Room = &cp
	}
	c.deliver(resp)
}

// roomCAS applies owner = next iff owner still equals expect. The check
// and the write run on the hub loop, so no two swaps interleave.
func (h *Hub) roomCAS(c *Client, f *wire.Frame) {
	room := h.rooms[f.RoomID]
	if room == nil || room.Owner != f.Expect {
		c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: false})
		return
	}
	room.Owner = f.Next
	h.log.Info("room owner swapped", "room", f.RoomID, "from", f.Expect, "to", f.Next)
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) memberAdd(c *Client, f *wire.Frame) {
	if !slices.Contains(h.members[f.RoomID], f.UserID) {
		h.members[f.RoomID] = append(h.members[f.RoomID], f.UserID)
		h.fanMemberEvent(f.RoomID, f.UserID, wire.KindJoined)
	}
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) memberDel(c *Client, f *wire.Frame) {
	rows := h.members[f.RoomID]
	if idx := slices.Index(rows, f.UserID); idx >= 0 {
		h.members[f.RoomID] = slices.Delete(rows, idx, idx+1)
		h.fanMemberEvent(f.RoomID, f.UserID, wire.KindLeft)
	}
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) memberList(c *Client, f *wire.Frame) {
	c.deliver(&wire.Frame{
		Op: wire.OpResponse, ID: f.ID, OK: true,
		Members: slices.Clone(h.members[f.RoomID]),
	})
}

func (h *Hub) memberWatch(c *Client, f *wire.Frame) {
	ws := h.watchers[f.RoomID]
	if ws == nil {
		ws = make(map[*Client]bool)
		h.watchers[f.RoomID] = ws
	}
	ws[c] = true
	c.watching[f.RoomID] = true
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) memberUnwatch(c *Client, f *wire.Frame) {
	delete(h.watchers[f.RoomID], c)
	delete(c.watching, f.RoomID)
	c.deliver(&wire.Frame{Op: wire.OpResponse, ID: f.ID, OK: true})
}

func (h *Hub) fanPresence(topic, kind string, entry wire.PresenceEntry, exclude *Client) {
	out := &wire.Frame{Op: wire.OpPresence, Topic: topic, Kind: kind, UserID: entry.UserID, Role: entry.Role}
	for _, cl := range h.topicClients(topic, exclude) {
		cl.deliver(out)
	}
}

// topicClients returns each client attached to topic exactly once, no
// matter how many subscriptions it holds there, so fan-outs never deliver
// the same frame twice to one connection.
func (h *Hub) topicClients(topic string, exclude *Client) []*Client {
	seen := make(map[*Client]bool)
	var out []*Client
	for _, sub := range h.topics[topic] {
		if sub.client == exclude || seen[sub.client] {
			continue
		}
		seen[sub.client] = true
		out = append(out, sub.client)
	}
	return out
}

func (h *Hub) fanMemberEvent(roomID, userID, kind string) {
	out := &wire.Frame{Op: wire.OpMemberEvent, RoomID: roomID, UserID: userID, Kind: kind}
	for watcher := range h.watchers[roomID] {
		watcher.deliver(out)
	}
}

func (h *Hub) presenceSnapshot(topic string) []wire.PresenceEntry {
	var entries []wire.PresenceEntry
	for _, sub := range h.topics[topic] {
		if sub.entry != nil {
			entries = append(entries, *sub.entry)
		}
	}
	return entries
}

// detachSub removes one subscription and, if it carried presence,
// announces the drop to the remaining subscribers. Sibling subscriptions
// on the same connection stay attached untouched.
func (h *Hub) detachSub(sub *topicSub) {
	subs := h.topics[sub.topic]
	if idx := slices.Index(subs, sub); idx >= 0 {
		subs = slices.Delete(subs, idx, idx+1)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		} else {
			h.topics[sub.topic] = subs
		}
	}
	delete(sub.client.subs, sub.id)

	if sub.entry != nil {
		h.fanPresence(sub.topic, wire.KindLeft, *sub.entry, sub.client)
	}
}

// dropClient cleans up everything a disconnected client held. Presence
// entries vanish here, which is what makes them ephemeral.
func (h *Hub) dropClient(c *Client) {
	h.log.Debug("client unregistered", "addr", c.Conn.RemoteAddr())

	for _, sub := range c.subs {
		h.detachSub(sub)
	}
	for roomID := range c.watching {
		delete(h.watchers[roomID], c)
	}
	close(c.Send)
}
