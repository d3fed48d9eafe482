package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/config"
)

// setupCache creates a miniredis instance and returns a connected cache.
func setupCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedis(config.CacheConfig{
		Enabled: true,
		URL:     fmt.Sprintf("redis://%s", mr.Addr()),
		TTL:     ttl,
	}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, mr
}

func sampleGraph(sessionID string) schemas.Graph {
	now := time.Now().UTC()
	return schemas.Graph{
		Nodes: []schemas.Node{
			{
				ID:        "domain:app.example.com",
				SessionID: sessionID,
				Type:      schemas.NodeDomain,
				Label:     "app.example.com",
				Risk:      58,
				Severity:  schemas.SeverityCritical,
				Size:      27,
				CreatedAt: now,
				UpdatedAt: now,
			},
			{
				ID:        "ip:10.0.0.5",
				SessionID: sessionID,
				Type:      schemas.NodeIP,
				Label:     "10.0.0.5",
				Severity:  schemas.SeverityInfo,
				Size:      10,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		Edges: []schemas.Edge{
			{
				ID:        "domain:app.example.com|ip:10.0.0.5|resolves_to",
				SessionID: sessionID,
				From:      "domain:app.example.com",
				To:        "ip:10.0.0.5",
				Type:      schemas.EdgeResolvesTo,
				CreatedAt: now,
			},
		},
	}
}

func TestNewRedis(t *testing.T) {
	t.Run("should reject an unparseable URL", func(t *testing.T) {
		_, err := NewRedis(config.CacheConfig{URL: "invalid://url"}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse cache URL")
	})
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t, time.Minute)

	_, ok, err := c.GetGraph(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "an empty cache must miss")

	want := sampleGraph("s1")
	require.NoError(t, c.SetGraph(ctx, "s1", want))

	got, ok, err := c.GetGraph(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(want, got))

	// Snapshots are per session.
	_, ok, err = c.GetGraph(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t, time.Minute)

	require.NoError(t, c.SetGraph(ctx, "s1", sampleGraph("s1")))
	require.NoError(t, c.Invalidate(ctx, "s1"))

	_, ok, err := c.GetGraph(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "an invalidated snapshot must miss")

	require.NoError(t, c.Invalidate(ctx, "s1"), "invalidating a missing entry is not an error")
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t, 50*time.Millisecond)

	require.NoError(t, c.SetGraph(ctx, "s1", sampleGraph("s1")))
	mr.FastForward(time.Second)

	_, ok, err := c.GetGraph(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "snapshots must expire with their TTL")
}

func TestCacheDropsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t, time.Minute)

	require.NoError(t, mr.Set("riskgraph:graph:s1", "not json"))

	_, ok, err := c.GetGraph(ctx, "s1")
	require.NoError(t, err, "a corrupt snapshot is a miss, not an error")
	assert.False(t, ok)
	assert.False(t, mr.Exists("riskgraph:graph:s1"), "the corrupt entry should be deleted")
}
