package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetAndGetLastSeen(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	require.NoError(t, c.SetLastSeen(context.Background(), "p1", now))

	seen, err := c.LastSeen(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)
	require.Equal(t, now, seen["p1"])
	require.NotContains(t, seen, "p2")
}

func TestLastSeenSkipsExpired(t *testing.T) {
	c := New()
	c.seen["p1"] = item{val: time.Now().Add(-25 * time.Hour), exp: time.Now().Add(-time.Hour)}

	seen, err := c.LastSeen(context.Background(), []string{"p1"})
	require.NoError(t, err)
	require.Empty(t, seen)
}
