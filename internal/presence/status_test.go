package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePresenceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	writes int
	fail   bool
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{seen: map[string]time.Time{}}
}

func (f *fakePresenceStore) SetLastSeen(ctx context.Context, playerID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.seen[playerID] = t
	f.writes++
	return nil
}

func (f *fakePresenceStore) LastSeen(ctx context.Context, playerIDs []string) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(playerIDs))
	for _, id := range playerIDs {
		if t, ok := f.seen[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakePresenceStore) Close() error { return nil }

func (f *fakePresenceStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func TestHeartbeat_ThrottledWithinWindow(t *testing.T) {
	store := newFakePresenceStore()
	a := NewStatusAggregator(store)
	base := time.Now()
	a.now = func() time.Time { return base }

	require.NoError(t, a.Heartbeat(context.Background(), "p1"))
	a.now = func() time.Time { return base.Add(30 * time.Second) }
	require.NoError(t, a.Heartbeat(context.Background(), "p1"))
	require.Equal(t, 1, store.writeCount())

	a.now = func() time.Time { return base.Add(61 * time.Second) }
	require.NoError(t, a.Heartbeat(context.Background(), "p1"))
	require.Equal(t, 2, store.writeCount())
}

func TestHeartbeat_FailedWriteDoesNotArmWindow(t *testing.T) {
	store := newFakePresenceStore()
	store.fail = true
	a := NewStatusAggregator(store)
	base := time.Now()
	a.now = func() time.Time { return base }

	require.Error(t, a.Heartbeat(context.Background(), "p1"))

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	// Next call retries immediately instead of waiting out the window.
	require.NoError(t, a.Heartbeat(context.Background(), "p1"))
	require.Equal(t, 1, store.writeCount())
}

func TestWatch_RefreshesImmediately(t *testing.T) {
	store := newFakePresenceStore()
	now := time.Now()
	store.seen["p2"] = now.Add(-30 * time.Second)
	a := NewStatusAggregator(store)
	a.now = func() time.Time { return now }

	h := a.Watch(context.Background(), []string{"p2", "p3"})
	defer h.Stop()

	statuses := a.Statuses([]string{"p2", "p3"})
	require.True(t, statuses["p2"].IsOnline)
	require.False(t, statuses["p3"].IsOnline)
	require.True(t, statuses["p3"].LastSeen.IsZero())
}

func TestStatuses_OnlineDerivedAtReadTime(t *testing.T) {
	store := newFakePresenceStore()
	base := time.Now()
	store.seen["p2"] = base.Add(-time.Minute)
	a := NewStatusAggregator(store)
	a.now = func() time.Time { return base }

	h := a.Watch(context.Background(), []string{"p2"})
	defer h.Stop()

	require.True(t, a.Statuses([]string{"p2"})["p2"].IsOnline)

	// Same cached last-seen, read later: offline without any refresh.
	a.now = func() time.Time { return base.Add(5 * time.Minute) }
	require.False(t, a.Statuses([]string{"p2"})["p2"].IsOnline)
}

func TestWatch_RefcountsAcrossHandles(t *testing.T) {
	store := newFakePresenceStore()
	now := time.Now()
	store.seen["p2"] = now
	a := NewStatusAggregator(store)
	a.now = func() time.Time { return now }

	h1 := a.Watch(context.Background(), []string{"p2"})
	h2 := a.Watch(context.Background(), []string{"p2"})

	h1.Stop()
	require.Contains(t, a.Statuses([]string{"p2"}), "p2")

	h2.Stop()
	require.NotContains(t, a.Statuses([]string{"p2"}), "p2")

	// Stop is idempotent.
	h2.Stop()
}
