package neo4j

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/storage/models"
)

// Requires a running server, e.g. ACTOR_GRAPH_TEST_NEO4J=bolt://localhost:7687 with
// neo4j/password credentials.
func testClient(t *testing.T) *Client {
	t.Helper()
	uri := os.Getenv("ACTOR_GRAPH_TEST_NEO4J")
	if uri == "" || testing.Short() {
		t.Skip("ACTOR_GRAPH_TEST_NEO4J not set")
	}
	c, err := NewClient(uri, "neo4j", "password", "neo4j")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestProjection(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	const scope = "rte-neo4j-test"
	t.Cleanup(func() { c.DeleteScope(ctx, scope) })

	jan := &models.Actor{ID: "neo-jan", ScopeID: scope, Name: "Jan", Type: models.ActorPerson, MentionCount: 2}
	team := &models.Actor{ID: "neo-backend", ScopeID: scope, Name: "Backend team", Type: models.ActorTeam, MentionCount: 1}
	require.NoError(t, c.UpsertActor(ctx, jan))
	require.NoError(t, c.UpsertActor(ctx, team))
	require.NoError(t, c.UpsertRelationship(ctx, &models.Relationship{
		ID: "neo-rel", ScopeID: scope, SourceID: jan.ID, TargetID: team.ID, Type: "member_of", Confidence: 0.8,
	}))

	neighbors, err := c.Neighbors(ctx, jan.ID, 0.5)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "Backend team", neighbors[0].Name)
	assert.True(t, neighbors[0].Outgoing)

	require.NoError(t, c.DeleteActors(ctx, []string{team.ID}))
	neighbors, err = c.Neighbors(ctx, jan.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, neighbors)
}
