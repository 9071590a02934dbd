// Package unread caches the player's unread total and recomputes it lazily:
// invalidation signals mark it dirty, the next read fetches.
package unread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courtside/chatsync/internal/logger"
)

// Source is the backing surface: a count query plus the mark-read mutation.
type Source interface {
	UnreadCount(ctx context.Context, playerID string) (int, error)
	MarkRead(ctx context.Context, conversationID, playerID string) error
}

type Counter struct {
	src Source

	mu    sync.Mutex
	count int
	valid bool
}

func New(src Source) *Counter {
	return &Counter{src: src}
}

// Invalidate marks the cached count dirty. Called for every reconciled
// insert not authored by the local player and after each mark-read.
func (c *Counter) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Count returns the cached total, fetching from the source when dirty.
func (c *Counter) Count(ctx context.Context, playerID string) (int, error) {
	c.mu.Lock()
	if c.valid {
		n := c.count
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	defer logger.DeferLogDuration("unread.Count", time.Now())()
	n, err := c.src.UnreadCount(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("unread.Count: %w", err)
	}
	c.mu.Lock()
	c.count = n
	c.valid = true
	c.mu.Unlock()
	return n, nil
}

// MarkRead settles the mutation and invalidates synchronously: once it
// returns, a Count read reflects the conversation as read.
func (c *Counter) MarkRead(ctx context.Context, conversationID, playerID string) error {
	defer logger.DeferLogDuration("unread.MarkRead", time.Now())()
	if err := c.src.MarkRead(ctx, conversationID, playerID); err != nil {
		return fmt.Errorf("unread.MarkRead: %w", err)
	}
	c.Invalidate()
	return nil
}
