package election

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdock/peerdock/internal/bus"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/store"
	"github.com/peerdock/peerdock/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProtocol(s *memstore.Store, self identity.ParticipantID, presence PresenceFunc) *Protocol {
	return New(s, s, presence, self, discardLogger())
}

func TestElectCreatesRoomWhenMissing(t *testing.T) {
	s := memstore.New()
	p := newProtocol(s, "alice", nil)
	ctx := context.Background()

	won, err := p.Elect(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, won)

	owner, err := p.CurrentHost(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, identity.ParticipantID("alice"), owner)
}

func TestElectClaimsNullOwner(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1"}))

	p := newProtocol(s, "alice", nil)
	won, err := p.Elect(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestElectLosesToLiveOwner(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))
	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	p := newProtocol(s, "bob", nil)
	won, err := p.Elect(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, won, "a live owner must not be displaced")

	owner, err := p.CurrentHost(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, identity.ParticipantID("alice"), owner)
}

func TestElectReclaimsStaleOwner(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	// The recorded owner has no membership row: a crashed host.
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "ghost"}))
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	p := newProtocol(s, "bob", nil)
	won, err := p.Elect(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestConcurrentClaimsElectExactlyOneHost(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1"}))

	candidates := []identity.ParticipantID{"a", "b", "c", "d", "e"}
	for _, c := range candidates {
		require.NoError(t, s.Add(ctx, "r1", c))
	}

	results := make(map[identity.ParticipantID]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c identity.ParticipantID) {
			defer wg.Done()
			p := newProtocol(s, c, nil)
			won, err := p.Elect(ctx, "r1", c)
			assert.NoError(t, err)
			mu.Lock()
			results[c] = won
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimant may win the empty slot")

	owner, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, results[owner.Owner], "the recorded owner must be the one that reported winning")
}

func TestConcurrentStaleReclaimsElectExactlyOne(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "ghost"}))

	// The recorded owner holds no membership row, so every claimant sees
	// it as stale and tries the same compare-and-swap.
	candidates := []identity.ParticipantID{"a", "b", "c", "d", "e"}
	for _, c := range candidates {
		require.NoError(t, s.Add(ctx, "r1", c))
	}

	results := make(map[identity.ParticipantID]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c identity.ParticipantID) {
			defer wg.Done()
			p := newProtocol(s, c, nil)
			won, err := p.Elect(ctx, "r1", c)
			assert.NoError(t, err)
			mu.Lock()
			results[c] = won
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "only one swap may match the stale owner")

	owner, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotEqual(t, identity.ParticipantID("ghost"), owner.Owner)
	assert.True(t, results[owner.Owner], "the recorded owner must be the one that reported winning")
}

func TestAmIHostElectsSelfIntoEmptyRoom(t *testing.T) {
	s := memstore.New()
	p := newProtocol(s, "alice", nil)
	ctx := context.Background()

	isHost, err := p.AmIHost(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, isHost)

	// A later joiner sees the recorded owner and defers.
	q := newProtocol(s, "bob", nil)
	isHost, err = q.AmIHost(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, isHost)
}

func TestAmIHostFallsBackToPresence(t *testing.T) {
	presence := func() []bus.PresenceEntry {
		return []bus.PresenceEntry{
			{UserID: "carol"}, {UserID: "alice"}, {UserID: "bob"},
		}
	}

	failing := &failingRooms{}
	s := memstore.New()

	p := New(failing, s, presence, "alice", discardLogger())
	isHost, err := p.AmIHost(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, isHost, "smallest present participant leads when the store is down")

	q := New(failing, s, presence, "carol", discardLogger())
	isHost, err = q.AmIHost(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, isHost)
}

func TestComputeHostFromPresenceEmpty(t *testing.T) {
	p := newProtocol(memstore.New(), "alice", func() []bus.PresenceEntry { return nil })
	assert.True(t, p.ComputeHostFromPresence().IsZero())
}

func TestTransfer(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))
	require.NoError(t, s.Add(ctx, "r1", "alice"))
	require.NoError(t, s.Add(ctx, "r1", "bob"))

	p := newProtocol(s, "alice", nil)

	// Transfer to a non-member is refused.
	ok, err := p.Transfer(ctx, "r1", "alice", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Transfer(ctx, "r1", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// The old owner lost the designation; a retried transfer keyed on the
	// stale value reports a race loss.
	ok, err = p.Transfer(ctx, "r1", "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleDeparturePromotesSmallestRemaining(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))
	require.NoError(t, s.Add(ctx, "r1", "bob"))
	require.NoError(t, s.Add(ctx, "r1", "carol"))

	p := newProtocol(s, "bob", nil)
	newOwner, changed, err := p.HandleDeparture(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, identity.ParticipantID("bob"), newOwner)
}

func TestHandleDepartureClearsEmptiedRoom(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))

	p := newProtocol(s, "alice", nil)
	newOwner, changed, err := p.HandleDeparture(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, newOwner.IsZero())

	room, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.Owner.IsZero())
}

func TestHandleDepartureIgnoresNonHost(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))
	require.NoError(t, s.Add(ctx, "r1", "alice"))

	p := newProtocol(s, "alice", nil)
	_, changed, err := p.HandleDeparture(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestHandleDepartureOnlyOneObserverWins(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, store.Room{ID: "r1", Name: "r1", Owner: "alice"}))
	require.NoError(t, s.Add(ctx, "r1", "bob"))
	require.NoError(t, s.Add(ctx, "r1", "carol"))

	var wg sync.WaitGroup
	changes := make([]bool, 10)
	for i := range changes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newProtocol(s, "bob", nil)
			_, changed, err := p.HandleDeparture(ctx, "r1", "alice")
			assert.NoError(t, err)
			changes[i] = changed
		}(i)
	}
	wg.Wait()

	moved := 0
	for _, c := range changes {
		if c {
			moved++
		}
	}
	assert.Equal(t, 1, moved, "the promotion swap may apply exactly once")

	room, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, identity.ParticipantID("bob"), room.Owner)
}

// failingRooms errors every room operation, forcing the presence fallback.
type failingRooms struct{}

func (f *failingRooms) Get(context.Context, string) (*store.Room, error) {
	return nil, assert.AnError
}

func (f *failingRooms) Create(context.Context, store.Room) error {
	return assert.AnError
}

func (f *failingRooms) CompareAndSwapOwner(context.Context, string, identity.ParticipantID, identity.ParticipantID) (bool, error) {
	return false, assert.AnError
}
