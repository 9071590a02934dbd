// Package presence holds the ephemeral state the engine never persists:
// per-conversation typing indicators and the batched online-status view.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/transport"
)

// The only timing contracts in this package; none are configurable.
const (
	typingStaleAfter    = 5 * time.Second
	typingAutoStopAfter = 3 * time.Second
	typingSweepEvery    = time.Second
	typingSignalTimeout = 3 * time.Second
)

// TypingTracker keeps received typing signals keyed by player and filters
// them by age at read time, and throttles the local player's broadcast with
// an auto-stop timer.
type TypingTracker struct {
	channel       transport.PresenceChannel
	selfID        string
	now           func() time.Time
	autoStopAfter time.Duration

	mu         sync.Mutex
	byConv     map[string]map[string]model.TypingIndicator
	stopTimers map[string]*time.Timer
}

func NewTypingTracker(channel transport.PresenceChannel, selfID string) *TypingTracker {
	return &TypingTracker{
		channel:       channel,
		selfID:        selfID,
		now:           time.Now,
		autoStopAfter: typingAutoStopAfter,
		byConv:        make(map[string]map[string]model.TypingIndicator),
		stopTimers:    make(map[string]*time.Timer),
	}
}

// Observe records a received typing signal, refreshing any previous one from
// the same player. Redelivery of the same signal is harmless. Own signals
// are ignored.
func (t *TypingTracker) Observe(conversationID string, ind model.TypingIndicator) {
	if ind.PlayerID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byConv[conversationID]
	if !ok {
		m = make(map[string]model.TypingIndicator)
		t.byConv[conversationID] = m
	}
	m[ind.PlayerID] = ind
}

// Clear drops a player's indicator (their explicit stop signal).
func (t *TypingTracker) Clear(conversationID, playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConv[conversationID], playerID)
}

// Active returns typers whose signal is younger than the staleness window,
// pruning expired entries as it reads.
func (t *TypingTracker) Active(conversationID string) []model.TypingIndicator {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byConv[conversationID]
	out := make([]model.TypingIndicator, 0, len(m))
	for id, ind := range m {
		if now.Sub(ind.At) >= typingStaleAfter {
			delete(m, id)
			continue
		}
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// SignalTyping broadcasts the local player's state. Signalling true arms the
// auto-stop timer; a new keystroke re-arms it, replacing the previous timer
// rather than stacking another.
func (t *TypingTracker) SignalTyping(ctx context.Context, conversationID string, typing bool) error {
	t.mu.Lock()
	if tm, ok := t.stopTimers[conversationID]; ok {
		tm.Stop()
		delete(t.stopTimers, conversationID)
	}
	if typing {
		t.stopTimers[conversationID] = time.AfterFunc(t.autoStopAfter, func() {
			t.autoStop(conversationID)
		})
	}
	t.mu.Unlock()

	if err := t.channel.SignalTyping(ctx, conversationID, typing); err != nil {
		return fmt.Errorf("typing.Signal: %w", err)
	}
	return nil
}

func (t *TypingTracker) autoStop(conversationID string) {
	t.mu.Lock()
	delete(t.stopTimers, conversationID)
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), typingSignalTimeout)
	defer cancel()
	if err := t.channel.SignalTyping(ctx, conversationID, false); err != nil {
		logger.Errorf("typing auto-stop conv=%s: %v", conversationID, err)
	}
}

// DropConversation tears down a conversation's typing state on unsubscribe:
// pending auto-stop timers are cancelled and received indicators discarded.
func (t *TypingTracker) DropConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConv, conversationID)
	if tm, ok := t.stopTimers[conversationID]; ok {
		tm.Stop()
		delete(t.stopTimers, conversationID)
	}
}

// Run sweeps stale indicators periodically so views rendering between
// signals do not hold them visible; read-time filtering in Active already
// guarantees correctness without it.
func (t *TypingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(typingSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *TypingTracker) sweep() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv, m := range t.byConv {
		for id, ind := range m {
			if now.Sub(ind.At) >= typingStaleAfter {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(t.byConv, conv)
		}
	}
}
