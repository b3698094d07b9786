package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedGraph struct {
	ScopeID string   `json:"scope_id"`
	Nodes   []string `json:"nodes"`
}

// Requires a running server, e.g. ACTOR_GRAPH_TEST_REDIS=localhost:6379.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("ACTOR_GRAPH_TEST_REDIS")
	if addr == "" || testing.Short() {
		t.Skip("ACTOR_GRAPH_TEST_REDIS not set")
	}
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: addr, DB: 15}))
	require.NoError(t, c.Ping(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGraphRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	var miss cachedGraph
	found, err := c.GetGraph(ctx, "rte-missing", &miss)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetGraph(ctx, "rte-1", cachedGraph{ScopeID: "rte-1", Nodes: []string{"a", "b"}}, time.Minute))

	var got cachedGraph
	found, err = c.GetGraph(ctx, "rte-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, got.Nodes)

	require.NoError(t, c.DeleteGraph(ctx, "rte-1"))
	found, err = c.GetGraph(ctx, "rte-1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteAllGraphs(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for _, scope := range []string{"rte-a", "rte-b"} {
		require.NoError(t, c.SetGraph(ctx, scope, cachedGraph{ScopeID: scope}, time.Minute))
	}
	removed, err := c.DeleteAllGraphs(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 2)
}
