package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/storage"
)

const (
	statusRefreshEvery   = 60 * time.Second
	heartbeatMinInterval = 60 * time.Second
	onlineWithin         = 2 * time.Minute
	refreshTimeout       = 5 * time.Second
)

// StatusAggregator batches last-seen lookups for every watched player on a
// fixed interval and throttles the local player's heartbeat so continuous
// activity produces at most one write per window.
type StatusAggregator struct {
	store storage.PresenceStore
	now   func() time.Time

	mu       sync.Mutex
	watched  map[string]int
	statuses map[string]model.PlayerStatus
	lastBeat time.Time
}

func NewStatusAggregator(store storage.PresenceStore) *StatusAggregator {
	return &StatusAggregator{
		store:    store,
		now:      time.Now,
		watched:  make(map[string]int),
		statuses: make(map[string]model.PlayerStatus),
	}
}

// WatchHandle releases interest in a set of player ids when stopped. Ids are
// refcounted: a player stays refreshed while any handle covers them.
type WatchHandle struct {
	agg  *StatusAggregator
	ids  []string
	once sync.Once
}

func (h *WatchHandle) Stop() {
	h.once.Do(func() { h.agg.unwatch(h.ids) })
}

// Watch registers interest in the given players and refreshes them once
// immediately; Run keeps them fresh afterwards.
func (a *StatusAggregator) Watch(ctx context.Context, playerIDs []string) *WatchHandle {
	a.mu.Lock()
	for _, id := range playerIDs {
		a.watched[id]++
	}
	a.mu.Unlock()
	if err := a.refresh(ctx, playerIDs); err != nil {
		logger.Errorf("status watch refresh: %v", err)
	}
	return &WatchHandle{agg: a, ids: append([]string(nil), playerIDs...)}
}

func (a *StatusAggregator) unwatch(playerIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range playerIDs {
		if a.watched[id]--; a.watched[id] <= 0 {
			delete(a.watched, id)
			delete(a.statuses, id)
		}
	}
}

// Statuses returns the current view for the requested players; is_online is
// derived from last-seen recency at read time.
func (a *StatusAggregator) Statuses(playerIDs []string) map[string]model.PlayerStatus {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.PlayerStatus, len(playerIDs))
	for _, id := range playerIDs {
		st, ok := a.statuses[id]
		if !ok {
			continue
		}
		st.IsOnline = !st.LastSeen.IsZero() && now.Sub(st.LastSeen) < onlineWithin
		out[id] = st
	}
	return out
}

// Heartbeat writes the local player's last-seen. Calls within the throttle
// window of the previous successful write are no-ops; a failed write does
// not arm the window, so the next call retries immediately.
func (a *StatusAggregator) Heartbeat(ctx context.Context, playerID string) error {
	now := a.now()
	a.mu.Lock()
	if !a.lastBeat.IsZero() && now.Sub(a.lastBeat) < heartbeatMinInterval {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.store.SetLastSeen(ctx, playerID, now); err != nil {
		return fmt.Errorf("status.Heartbeat: %w", err)
	}
	a.mu.Lock()
	a.lastBeat = now
	a.mu.Unlock()
	return nil
}

func (a *StatusAggregator) refresh(ctx context.Context, playerIDs []string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	seen, err := a.store.LastSeen(ctx, playerIDs)
	if err != nil {
		return fmt.Errorf("status.refresh: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range playerIDs {
		if _, ok := a.watched[id]; !ok {
			continue
		}
		a.statuses[id] = model.PlayerStatus{PlayerID: id, LastSeen: seen[id]}
	}
	return nil
}

// Run refreshes all watched players on the fixed interval while any
// subscription is active.
func (a *StatusAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(statusRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			ids := make([]string, 0, len(a.watched))
			for id := range a.watched {
				ids = append(ids, id)
			}
			a.mu.Unlock()
			rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
			if err := a.refresh(rctx, ids); err != nil {
				logger.Errorf("status refresh: %v", err)
			}
			cancel()
		}
	}
}
