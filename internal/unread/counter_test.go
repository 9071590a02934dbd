package unread

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	count   int
	fetches int
	marked  []string
	markErr error
}

func (f *fakeSource) UnreadCount(ctx context.Context, playerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.count, nil
}

func (f *fakeSource) MarkRead(ctx context.Context, conversationID, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, conversationID)
	f.count = 0
	return nil
}

func TestCount_CachesUntilInvalidated(t *testing.T) {
	src := &fakeSource{count: 5}
	c := New(src)

	n, err := c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 1, src.fetches)

	c.Invalidate()
	_, err = c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 2, src.fetches)
}

func TestMarkRead_InvalidatesSynchronously(t *testing.T) {
	src := &fakeSource{count: 5}
	c := New(src)

	n, err := c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, c.MarkRead(context.Background(), "c1", "p1"))
	require.Equal(t, []string{"c1"}, src.marked)

	// Immediately after MarkRead returns, the count reflects the read.
	n, err = c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMarkRead_ErrorKeepsCache(t *testing.T) {
	src := &fakeSource{count: 5, markErr: errors.New("rejected")}
	c := New(src)

	n, err := c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Error(t, c.MarkRead(context.Background(), "c1", "p1"))

	n, err = c.Count(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 1, src.fetches)
}
