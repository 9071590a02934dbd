package memory

import (
	"context"
	"sync"
	"time"
)

const lastSeenTTL = 24 * time.Hour

type item struct {
	val time.Time
	exp time.Time
}

type Client struct {
	mu   sync.RWMutex
	seen map[string]item
}

func New() *Client {
	return &Client{seen: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetLastSeen(ctx context.Context, playerID string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[playerID] = item{val: t, exp: time.Now().Add(lastSeenTTL)}
	return nil
}

func (c *Client) LastSeen(ctx context.Context, playerIDs []string) (map[string]time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(playerIDs))
	now := time.Now()
	for _, id := range playerIDs {
		v, ok := c.seen[id]
		if !ok || now.After(v.exp) {
			continue
		}
		out[id] = v.val
	}
	return out, nil
}
