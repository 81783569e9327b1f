// Package session composes the signal router, reconciler, election
// protocol and connection manager into create/join/leave room operations
// with a fixed teardown order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/config"
	"github.com/peerdock/peerdock/internal/election"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/peer"
	"github.com/peerdock/peerdock/internal/roster"
	"github.com/peerdock/peerdock/internal/signal"
	"github.com/peerdock/peerdock/internal/store"
)

// RoleHost and RoleMember are the presence roles a session declares.
const (
	RoleHost   = "host"
	RoleMember = "member"
)

// Deps are the collaborators one session runs against.
type Deps struct {
	Bus     bus.Bus
	Rooms   store.RoomStore
	Members store.MemberStore
	Engine  peer.Engine
	Config  *config.Config
	Self    identity.ParticipantID
	Log     *slog.Logger
}

// Session is one participant's attachment to one room.
type Session struct {
	deps   Deps
	roomID string
	log    *slog.Logger

	router   *signal.Router
	roster   *roster.Reconciler
	election *election.Protocol
	manager  *peer.Manager

	mu     sync.Mutex
	isHost bool
	active bool
}

func New(deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Session{deps: deps, log: deps.Log}
}

// IsHost reports whether this session currently believes it is the host.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// Manager exposes the connection manager for send/broadcast consumers.
func (s *Session) Manager() *peer.Manager {
	return s.manager
}

// RoomID returns the attached room, or empty before create/join.
func (s *Session) RoomID() string {
	return s.roomID
}

// CurrentHost reads the room's current owner from the durable record.
func (s *Session) CurrentHost(ctx context.Context) (identity.ParticipantID, error) {
	if s.election == nil {
		return "", nil
	}
	return s.election.CurrentHost(ctx, s.roomID)
}

// CreateRoom creates the durable room record with the caller as owner,
// joins presence under the host role and arms the connection manager.
// It returns the resolved host status.
func (s *Session) CreateRoom(ctx context.Context, roomID, roomName string, autoConnect bool) (bool, error) {
	err := s.deps.Rooms.Create(ctx, store.Room{ID: roomID, Name: roomName, Owner: s.deps.Self})
	if err != nil {
		return false, fmt.Errorf("create room %s: %w", roomID, err)
	}
	if err := s.deps.Members.Add(ctx, roomID, s.deps.Self); err != nil {
		return false, fmt.Errorf("create room %s: add membership: %w", roomID, err)
	}
	return s.attach(ctx, roomID, RoleHost, autoConnect)
}

// JoinRoom joins membership and presence under the given role and resolves
// host status. The joiner never auto-connects; only an elected host
// initiates dials, and a joiner can still discover it is the host when the
// prior host vanished.
func (s *Session) JoinRoom(ctx context.Context, roomID, role string) (bool, error) {
	if role == "" {
		role = RoleMember
	}
	if err := s.deps.Members.Add(ctx, roomID, s.deps.Self); err != nil {
		return false, fmt.Errorf("join room %s: add membership: %w", roomID, err)
	}
	return s.attach(ctx, roomID, role, false)
}

// attach wires every component for the room, resolves host status and
// starts the membership feed.
func (s *Session) attach(ctx context.Context, roomID, role string, autoConnect bool) (bool, error) {
	s.roomID = roomID

	s.roster = roster.New(s.deps.Bus, s.deps.Members, roomID, s.deps.Self, role, s.deps.Config.SettleDelay, s.log.With("component", "roster"))
	s.election = election.New(s.deps.Rooms, s.deps.Members, s.roster.Presence, s.deps.Self, s.log.With("component", "election"))
	s.router = signal.NewRouter(s.deps.Bus, roomID, s.deps.Self, s.log.With("component", "signal"))
	s.manager = peer.NewManager(s.deps.Engine, s.router, roomID, s.deps.Self,
		s.deps.Config.DialTimeout, s.deps.Config.RedialBackoff, s.log.With("component", "peer"))

	s.router.OnMessage(s.handleHostAnnouncement)
	s.roster.OnDeparture(s.handleDeparture)

	if err := s.roster.Join(ctx); err != nil {
		return false, fmt.Errorf("attach %s: %w", roomID, err)
	}
	if err := s.router.Attach(ctx); err != nil {
		s.roster.Leave(ctx)
		return false, fmt.Errorf("attach %s: %w", roomID, err)
	}

	feed, err := s.deps.Members.Watch(ctx, roomID)
	if err != nil {
		s.router.Close()
		s.roster.Leave(ctx)
		return false, fmt.Errorf("attach %s: watch membership: %w", roomID, err)
	}
	s.manager.Initialize(autoConnect, feed)

	isHost, err := s.election.AmIHost(ctx, roomID)
	if err != nil {
		s.log.Warn("host resolution failed", "room", roomID, "err", err)
		isHost = false
	}
	s.setHost(ctx, isHost, isHost)

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return isHost, nil
}

// setHost updates local belief and the manager privilege; when announce is
// set, the change is broadcast to the room.
func (s *Session) setHost(ctx context.Context, isHost, announce bool) {
	s.mu.Lock()
	s.isHost = isHost
	s.mu.Unlock()

	var members []identity.ParticipantID
	if isHost {
		var err error
		members, err = s.deps.Members.List(ctx, s.roomID)
		if err != nil {
			s.log.Warn("member list for catch-up dial failed", "room", s.roomID, "err", err)
		}
	}
	s.manager.SetHost(isHost, members)

	if announce && isHost {
		payload := signal.HostElectedPayload{Owner: s.deps.Self}
		if err := s.router.Send(ctx, "", signal.KindHostElected, payload); err != nil {
			s.log.Warn("host announcement failed", "room", s.roomID, "err", err)
		}
	}
}

// handleHostAnnouncement updates the local "is host" belief on every
// broadcast; the comparison is idempotent, so repeated announcements are
// harmless.
func (s *Session) handleHostAnnouncement(env signal.Envelope) {
	if env.Kind != signal.KindHostElected {
		return
	}
	var payload signal.HostElectedPayload
	if err := env.DecodeData(&payload); err != nil {
		s.log.Warn("bad host announcement", "from", env.From, "err", err)
		return
	}
	s.setHost(context.Background(), payload.Owner == s.deps.Self, false)
}

// handleDeparture runs host recovery when a departed participant held the
// host designation. The reconciler already removed the membership row.
func (s *Session) handleDeparture(departed identity.ParticipantID) {
	ctx := context.Background()

	if _, _, err := s.election.HandleDeparture(ctx, s.roomID, departed); err != nil {
		s.log.Warn("host departure recovery failed", "room", s.roomID, "departed", departed, "err", err)
		return
	}

	// Several observers race the same compare-and-swap; only one applies
	// it. Everyone re-reads the owner afterwards so that the promoted
	// member adopts the host role even when another observer's swap won.
	owner, err := s.election.CurrentHost(ctx, s.roomID)
	if err != nil {
		s.log.Warn("owner re-read after departure failed", "room", s.roomID, "err", err)
		return
	}
	isHost := owner == s.deps.Self
	s.setHost(ctx, isHost, isHost)
}

// Leave tears the session down in a fixed order: presence first, then the
// signal subscriptions and peer links, then the membership row with host
// handoff. A crash mid-teardown therefore never leaves the bus attached
// with no presence.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	wasHost := s.isHost
	s.mu.Unlock()

	s.roster.Detach()
	s.manager.Cleanup()

	var firstErr error
	if err := s.roster.RemoveSelf(ctx); err != nil {
		firstErr = err
	}

	if wasHost {
		if _, _, err := s.election.HandleDeparture(ctx, s.roomID, s.deps.Self); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return fmt.Errorf("leave room %s: %w", s.roomID, firstErr)
	}
	return nil
}
