// Package search is a thin pass-through to the backing full-text query,
// cached per (conversation, query) for a bounded window. History is
// effectively immutable for search purposes, so hits are not re-verified.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/courtside/chatsync/internal/model"
)

const (
	// MinQueryLen gates the gateway: shorter queries are "not enabled",
	// not an error.
	MinQueryLen = 2

	cacheTTL    = 60 * time.Second
	resultLimit = 50
)

// Backend runs the actual full-text query.
type Backend interface {
	SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error)
}

type entry struct {
	items []model.Message
	exp   time.Time
}

type Gateway struct {
	backend Backend
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

func New(backend Backend) *Gateway {
	return &Gateway{backend: backend, now: time.Now, cache: make(map[string]entry)}
}

// Search returns matches newest first. Debouncing belongs to the caller;
// the gateway only dedupes identical queries through its cache.
func (g *Gateway) Search(ctx context.Context, conversationID, query string) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if conversationID == "" || utf8.RuneCountInString(query) < MinQueryLen {
		return nil, nil
	}
	key := conversationID + "\x00" + query
	now := g.now()

	g.mu.Lock()
	if e, ok := g.cache[key]; ok && now.Before(e.exp) {
		items := e.items
		g.mu.Unlock()
		return items, nil
	}
	g.mu.Unlock()

	items, err := g.backend.SearchMessages(ctx, conversationID, query, resultLimit)
	if err != nil {
		return nil, fmt.Errorf("search.Search: %w", err)
	}

	g.mu.Lock()
	for k, e := range g.cache {
		if now.After(e.exp) {
			delete(g.cache, k)
		}
	}
	g.cache[key] = entry{items: items, exp: now.Add(cacheTTL)}
	g.mu.Unlock()
	return items, nil
}
