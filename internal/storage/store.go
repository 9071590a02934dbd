package storage

import (
	"context"
	"time"
)

// PresenceStore is the last-seen read/write surface behind the online-status
// aggregator and the devserver heartbeat endpoint.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type PresenceStore interface {
	SetLastSeen(ctx context.Context, playerID string, t time.Time) error
	LastSeen(ctx context.Context, playerIDs []string) (map[string]time.Time, error)
	Close() error
}
