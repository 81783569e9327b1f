package roster

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/bus/membus"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/signal"
	"github.com/peerdock/peerdock/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const settle = 20 * time.Millisecond

func newReconciler(b *membus.Bus, s *memstore.Store, roomID string, self identity.ParticipantID) *Reconciler {
	return New(b, s, roomID, self, "member", settle, discardLogger())
}

func TestJoinReapsStaleRows(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	// bob is present and a member; ghost has a row but no presence.
	require.NoError(t, s.Add(ctx, "r1", "bob"))
	require.NoError(t, s.Add(ctx, "r1", "ghost"))
	require.NoError(t, s.Add(ctx, "r1", "alice"))

	// Both live members join presence before either settle delay elapses,
	// so each reconciler sees the other as present.
	rb := newReconciler(b, s, "r1", "bob")
	ra := newReconciler(b, s, "r1", "alice")

	var wg sync.WaitGroup
	for _, r := range []*Reconciler{rb, ra} {
		wg.Add(1)
		go func(r *Reconciler) {
			defer wg.Done()
			assert.NoError(t, r.Join(ctx))
		}(r)
	}
	wg.Wait()
	defer rb.Leave(ctx)
	defer ra.Leave(ctx)

	rows, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []identity.ParticipantID{"alice", "bob"}, rows)
}

func TestCancelledJoinDetachesPresence(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	r := New(b, s, "r1", "alice", "member", 150*time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Join(ctx), context.DeadlineExceeded)

	// The aborted join must not leave alice visible to the room.
	sub, err := b.Subscribe(context.Background(), signal.RoomTopic("r1"), bus.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, sub.Presence())

	// A later attach starts from a clean slate.
	require.NoError(t, r.Join(context.Background()))
	defer r.Leave(context.Background())
	assert.Len(t, r.Presence(), 1)
}

func TestReconcileNeverDeletesSelf(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "alice"))

	r := newReconciler(b, s, "r1", "alice")
	require.NoError(t, r.Join(ctx))
	defer r.Leave(ctx)

	rows, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, rows, identity.ParticipantID("alice"))
}

func TestEmptyPresenceSkipsReconciliation(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "bob"))

	// A reconciler with no presence entry of its own sees an empty view
	// and must leave the table untouched.
	r := New(b, s, "r1", "alice", "", settle, discardLogger())
	sub, err := b.Subscribe(ctx, "room:r1", bus.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	r.mu.Lock()
	r.sub = sub
	r.joined = true
	r.mu.Unlock()

	require.NoError(t, r.reconcile(ctx))

	rows, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, rows, identity.ParticipantID("bob"), "an unsynced view must not trigger deletions")
}

func TestDepartureRemovesRowAndNotifies(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	ra := newReconciler(b, s, "r1", "alice")

	var mu sync.Mutex
	var departed []identity.ParticipantID
	ra.OnDeparture(func(id identity.ParticipantID) {
		mu.Lock()
		departed = append(departed, id)
		mu.Unlock()
	})
	rb := newReconciler(b, s, "r1", "bob")

	var wg sync.WaitGroup
	for _, r := range []*Reconciler{ra, rb} {
		wg.Add(1)
		go func(r *Reconciler) {
			defer wg.Done()
			assert.NoError(t, r.Join(ctx))
		}(r)
	}
	wg.Wait()
	defer ra.Leave(ctx)

	// bob drops from presence; alice deletes the row immediately.
	rb.Detach()

	require.Eventually(t, func() bool {
		rows, err := s.List(ctx, "r1")
		return err == nil && len(rows) == 1 && rows[0] == "alice"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(departed) == 1 && departed[0] == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveRemovesOwnRow(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "alice"))

	r := newReconciler(b, s, "r1", "alice")
	require.NoError(t, r.Join(ctx))
	require.NoError(t, r.Leave(ctx))

	rows, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Leaving twice is harmless.
	require.NoError(t, r.Leave(ctx))
}

func TestPresenceSnapshot(t *testing.T) {
	b := membus.New()
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	ra := newReconciler(b, s, "r1", "alice")
	require.NoError(t, ra.Join(ctx))
	defer ra.Leave(ctx)

	rb := newReconciler(b, s, "r1", "bob")
	require.NoError(t, rb.Join(ctx))
	defer rb.Leave(ctx)

	entries := ra.Presence()
	ids := make([]identity.ParticipantID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	assert.ElementsMatch(t, []identity.ParticipantID{"alice", "bob"}, ids)
}
