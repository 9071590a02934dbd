package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Last-seen entries expire on their own: a player silent for a day reads as
// never seen, which the aggregator renders as offline anyway.
const lastSeenTTL = 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetLastSeen stores last_seen:{player} with TTL.
func (c *Client) SetLastSeen(ctx context.Context, playerID string, t time.Time) error {
	return c.cli.Set(ctx, "last_seen:"+playerID, t.UTC().Format(time.RFC3339Nano), lastSeenTTL).Err()
}

// LastSeen batch-reads last-seen timestamps; players without an entry are
// simply absent from the result.
func (c *Client) LastSeen(ctx context.Context, playerIDs []string) (map[string]time.Time, error) {
	if len(playerIDs) == 0 {
		return map[string]time.Time{}, nil
	}
	keys := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		keys[i] = "last_seen:" + id
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget last_seen: %w", err)
	}
	out := make(map[string]time.Time, len(playerIDs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			continue
		}
		out[playerIDs[i]] = t
	}
	return out, nil
}
