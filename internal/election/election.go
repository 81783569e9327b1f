// Package election owns the single "host" designation for a room. Every
// mutation of the owner field is a conditional write keyed on the expected
// prior value; the protocol never takes a lock, it relies entirely on the
// store's compare-and-swap semantics to resolve concurrent claims.
package election

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
)

// PresenceFunc supplies the live presence view for the fallback leader
// computation. It may return nil when presence is unavailable.
type PresenceFunc func() []bus.PresenceEntry

// Protocol drives host claims, stale-host takeover, transfer and
// departure recovery for one room.
type Protocol struct {
	rooms    store.RoomStore
	members  store.MemberStore
	presence PresenceFunc
	self     identity.ParticipantID
	log      *slog.Logger
}

func New(rooms store.RoomStore, members store.MemberStore, presence PresenceFunc, self identity.ParticipantID, log *slog.Logger) *Protocol {
	return &Protocol{
		rooms:    rooms,
		members:  members,
		presence: presence,
		self:     self,
		log:      log,
	}
}

// CurrentHost returns the recorded owner, or the zero identifier when the
// room has no owner or does not exist.
func (p *Protocol) CurrentHost(ctx context.Context, roomID string) (identity.ParticipantID, error) {
	room, err := p.rooms.Get(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("get current host: %w", err)
	}
	if room == nil {
		return "", nil
	}
	return room.Owner, nil
}

// Elect attempts to record candidate as the room's owner. It returns true
// only if the candidate is the recorded owner after the attempt. A false
// return is a race loss, not an error: the caller re-reads state and
// decides what to do next.
func (p *Protocol) Elect(ctx context.Context, roomID string, candidate identity.ParticipantID) (bool, error) {
	room, err := p.rooms.Get(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("elect host: %w", err)
	}

	if room == nil {
		err := p.rooms.Create(ctx, store.Room{ID: roomID, Name: roomID, Owner: candidate})
		if err == nil {
			return true, nil
		}
		if err != store.ErrRoomExists {
			return false, fmt.Errorf("elect host: create room: %w", err)
		}
		// Someone created it between our read and write; fall through to
		// the conditional paths against the fresh record.
		room, err = p.rooms.Get(ctx, roomID)
		if err != nil || room == nil {
			return false, fmt.Errorf("elect host: re-read room: %w", err)
		}
	}

	switch {
	case room.Owner == candidate:
		return true, nil

	case room.Owner.IsZero():
		// First writer wins; losing the swap just means somebody else
		// claimed the empty slot first.
		if _, err := p.rooms.CompareAndSwapOwner(ctx, roomID, "", candidate); err != nil {
			return false, fmt.Errorf("elect host: claim: %w", err)
		}

	default:
		stale, err := p.isStale(ctx, roomID, room.Owner)
		if err != nil {
			return false, err
		}
		if !stale {
			return false, nil
		}
		p.log.Info("reclaiming stale host", "room", roomID, "stale", room.Owner, "candidate", candidate)
		// The swap is keyed on the stale value so only one of several
		// concurrent claimants can match it.
		if _, err := p.rooms.CompareAndSwapOwner(ctx, roomID, room.Owner, candidate); err != nil {
			return false, fmt.Errorf("elect host: reclaim: %w", err)
		}
	}

	// Ambiguous outcomes resolve by re-reading the owner once more.
	owner, err := p.CurrentHost(ctx, roomID)
	if err != nil {
		return false, err
	}
	return owner == candidate, nil
}

func (p *Protocol) isStale(ctx context.Context, roomID string, owner identity.ParticipantID) (bool, error) {
	rows, err := p.members.List(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("elect host: list members: %w", err)
	}
	return !slices.Contains(rows, owner), nil
}

// AmIHost reports whether the local participant is the recorded host,
// electing itself when no host exists. When the store cannot complete the
// read/write path it falls back to the deterministic presence computation,
// which requires no write and is consistent across observers.
func (p *Protocol) AmIHost(ctx context.Context, roomID string) (bool, error) {
	host, err := p.CurrentHost(ctx, roomID)
	if err != nil {
		return p.fallback(roomID, err)
	}
	if host == p.self {
		return true, nil
	}
	if !host.IsZero() {
		return false, nil
	}

	won, err := p.Elect(ctx, roomID, p.self)
	if err != nil {
		return p.fallback(roomID, err)
	}
	return won, nil
}

func (p *Protocol) fallback(roomID string, cause error) (bool, error) {
	leader := p.ComputeHostFromPresence()
	if leader.IsZero() {
		return false, fmt.Errorf("host election unavailable: %w", cause)
	}
	p.log.Warn("store unavailable, using presence-derived host", "room", roomID, "leader", leader, "err", cause)
	return leader == p.self, nil
}

// ComputeHostFromPresence is the deterministic fallback: the
// lexicographically smallest participant currently present is the leader.
// Every observer of the same presence view computes the same answer.
func (p *Protocol) ComputeHostFromPresence() identity.ParticipantID {
	if p.presence == nil {
		return ""
	}
	entries := p.presence()
	ids := make([]identity.ParticipantID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return identity.Smallest(ids)
}

// Transfer hands the host designation from one member to another. It
// succeeds only if from is still the recorded owner at write time and to is
// a current member; any race loss reports false.
func (p *Protocol) Transfer(ctx context.Context, roomID string, from, to identity.ParticipantID) (bool, error) {
	owner, err := p.CurrentHost(ctx, roomID)
	if err != nil {
		return false, err
	}
	if owner != from {
		return false, nil
	}

	rows, err := p.members.List(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("transfer host: list members: %w", err)
	}
	if !slices.Contains(rows, to) {
		return false, nil
	}

	if _, err := p.rooms.CompareAndSwapOwner(ctx, roomID, from, to); err != nil {
		return false, fmt.Errorf("transfer host: %w", err)
	}

	owner, err = p.CurrentHost(ctx, roomID)
	if err != nil {
		return false, err
	}
	return owner == to, nil
}

// HandleDeparture runs host recovery after departed's membership row was
// removed. If the departed participant was the recorded host, the smallest
// remaining member is promoted via the same compare-and-swap; an emptied
// room has its owner cleared. The returned identifier is the new owner
// (zero when cleared or unchanged), with changed reporting whether this
// call moved the owner field.
func (p *Protocol) HandleDeparture(ctx context.Context, roomID string, departed identity.ParticipantID) (newOwner identity.ParticipantID, changed bool, err error) {
	owner, err := p.CurrentHost(ctx, roomID)
	if err != nil {
		return "", false, err
	}
	if owner != departed {
		return "", false, nil
	}

	rows, err := p.members.List(ctx, roomID)
	if err != nil {
		return "", false, fmt.Errorf("host departure: list members: %w", err)
	}
	// The departed host may still have a row if presence lagged the table.
	rows = slices.DeleteFunc(rows, func(id identity.ParticipantID) bool { return id == departed })

	if len(rows) == 0 {
		swapped, err := p.rooms.CompareAndSwapOwner(ctx, roomID, departed, "")
		if err != nil {
			return "", false, fmt.Errorf("host departure: clear owner: %w", err)
		}
		return "", swapped, nil
	}

	candidate := identity.Smallest(rows)
	swapped, err := p.rooms.CompareAndSwapOwner(ctx, roomID, departed, candidate)
	if err != nil {
		return "", false, fmt.Errorf("host departure: promote: %w", err)
	}
	if !swapped {
		// Another observer recovered first; their merge wins.
		return "", false, nil
	}
	p.log.Info("promoted host after departure", "room", roomID, "departed", departed, "host", candidate)
	return candidate, true, nil
}
