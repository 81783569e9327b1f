// Package roster keeps the ephemeral presence view and the durable
// membership table in agreement. Presence is truth for "alive right now";
// the membership table is truth for "joined". Rows whose owner has no
// presence are leftovers from ungraceful departures and get reaped.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/signal"
	"github.com/peerdock/peerdock/internal/store"
)

// DepartureFunc observes a third party vanishing from presence, after its
// membership row has been deleted.
type DepartureFunc func(identity.ParticipantID)

// Reconciler joins a room's presence set and reconciles it against the
// membership table.
type Reconciler struct {
	bus         bus.Bus
	members     store.MemberStore
	roomID      string
	self        identity.ParticipantID
	role        string
	settleDelay time.Duration
	log         *slog.Logger

	mu          sync.Mutex
	sub         bus.Subscription
	onDeparture DepartureFunc
	joined      bool
	left        bool
}

func New(b bus.Bus, members store.MemberStore, roomID string, self identity.ParticipantID, role string, settleDelay time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		bus:         b,
		members:     members,
		roomID:      roomID,
		self:        self,
		role:        role,
		settleDelay: settleDelay,
		log:         log,
	}
}

// OnDeparture registers the departure observer. Register before Join.
func (r *Reconciler) OnDeparture(fn DepartureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeparture = fn
}

// Join attaches to the room's presence set under the caller's identity and
// role, waits for the presence view to settle, then reconciles it against
// the membership table.
func (r *Reconciler) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	entry := bus.PresenceEntry{UserID: r.self, Role: r.role}
	sub, err := r.bus.Subscribe(ctx, signal.RoomTopic(r.roomID), bus.SubscribeOptions{Presence: &entry})
	if err != nil {
		return fmt.Errorf("join presence: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.joined = true
	r.left = false
	r.mu.Unlock()

	go r.watchPresence(sub)

	// Let the presence view converge before trusting it.
	select {
	case <-time.After(r.settleDelay):
	case <-ctx.Done():
		// The caller treats this join as failed, so roll the presence
		// attach back instead of leaking it.
		r.Detach()
		r.mu.Lock()
		r.joined = false
		r.mu.Unlock()
		return ctx.Err()
	}

	return r.reconcile(ctx)
}

// reconcile deletes membership rows for participants absent from presence.
// An empty presence view is indistinguishable from a view that has not
// synced yet, so reconciliation is skipped entirely in that case.
func (r *Reconciler) reconcile(ctx context.Context) error {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return nil
	}

	present := make(map[identity.ParticipantID]bool)
	for _, entry := range sub.Presence() {
		present[entry.UserID] = true
	}
	if len(present) == 0 {
		r.log.Debug("presence view empty, skipping reconciliation", "room", r.roomID)
		return nil
	}

	rows, err := r.members.List(ctx, r.roomID)
	if err != nil {
		return fmt.Errorf("reconcile membership: %w", err)
	}

	var reaped []identity.ParticipantID
	for _, row := range rows {
		if row == r.self || present[row] {
			continue
		}
		r.log.Info("removing stale membership row", "room", r.roomID, "user", row)
		if err := r.members.Remove(ctx, r.roomID, row); err != nil {
			return fmt.Errorf("reconcile membership: remove %s: %w", row, err)
		}
		reaped = append(reaped, row)
	}

	// Reaped rows are departures nobody saw happen; a crashed host is
	// recovered through the same path as a clean disconnect.
	r.mu.Lock()
	fn := r.onDeparture
	r.mu.Unlock()
	if fn != nil {
		for _, row := range reaped {
			fn(row)
		}
	}
	return nil
}

// watchPresence deletes membership rows as soon as a third party's presence
// drops. No settling delay applies on this event-driven path.
func (r *Reconciler) watchPresence(sub bus.Subscription) {
	for evt := range sub.PresenceEvents() {
		if evt.Kind != bus.PresenceLeft || evt.Entry.UserID == r.self {
			continue
		}
		departed := evt.Entry.UserID

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.members.Remove(ctx, r.roomID, departed); err != nil {
			r.log.Warn("failed to remove departed member", "room", r.roomID, "user", departed, "err", err)
		}
		cancel()

		r.mu.Lock()
		fn := r.onDeparture
		r.mu.Unlock()
		if fn != nil {
			fn(departed)
		}
	}
}

// Presence returns the current presence snapshot, or nil when not joined.
func (r *Reconciler) Presence() []bus.PresenceEntry {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Presence()
}

// Detach drops the presence attachment without touching the membership
// table. The session teardown sequence calls this first, removes the row
// last; Leave composes both for simpler callers. Both are idempotent.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	if r.left || !r.joined {
		r.mu.Unlock()
		return
	}
	r.left = true
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// RemoveSelf deletes the caller's own membership row.
func (r *Reconciler) RemoveSelf(ctx context.Context) error {
	if err := r.members.Remove(ctx, r.roomID, r.self); err != nil {
		return fmt.Errorf("leave: remove own membership: %w", err)
	}
	return nil
}

// Leave detaches from presence and deletes the caller's own membership row.
// It is safe to call when already left.
func (r *Reconciler) Leave(ctx context.Context) error {
	r.Detach()
	return r.RemoveSelf(ctx)
}
