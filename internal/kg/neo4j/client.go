package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/pkg/circuitbreaker"
	"github.com/actor-graph/backend/pkg/logger"
	"github.com/actor-graph/backend/pkg/retry"
)

// Client projects confirmed actors and relationships into Neo4j. The sqlite store stays
// the source of truth; the projection can be rebuilt from it at any time.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Neighbor is one actor adjacent to another in the projected graph.
type Neighbor struct {
	ActorID    string
	Name       string
	Type       string
	RelType    string
	Outgoing   bool
	Confidence float64
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxProbes:        3,
		Cooldown:         20 * time.Second,
		Window:           time.Minute,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	c := &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}
	if err := c.ensureConstraints(ctx); err != nil {
		logger.Warn("Failed to create neo4j constraints", zap.Error(err))
	}
	return c, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) ensureConstraints(ctx context.Context) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `CREATE CONSTRAINT actor_id IF NOT EXISTS FOR (a:Actor) REQUIRE a.id IS UNIQUE`, nil)
		return err
	})
}

func optional(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func (c *Client) UpsertActor(ctx context.Context, actor *models.Actor) error {
	query := `
		MERGE (a:Actor {id: $id})
		SET a.scope_id = $scope_id,
		    a.name = $name,
		    a.type = $type,
		    a.role = $role,
		    a.team = $team,
		    a.organization = $organization,
		    a.mention_count = $mention_count,
		    a.updated_at = timestamp()
	`

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]interface{}{
			"id":            actor.ID,
			"scope_id":      actor.ScopeID,
			"name":          actor.Name,
			"type":          string(actor.Type),
			"role":          optional(actor.Role),
			"team":          optional(actor.Team),
			"organization":  optional(actor.Organization),
			"mention_count": actor.MentionCount,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert actor: %w", err)
	}

	logger.Debug("Actor projected", zap.String("actor_id", actor.ID), zap.String("name", actor.Name))
	return nil
}

// UpsertRelationship merges one RELATES edge per (source, target, type). Both endpoints
// must already be projected.
func (c *Client) UpsertRelationship(ctx context.Context, rel *models.Relationship) error {
	query := `
		MATCH (s:Actor {id: $source_id})
		MATCH (t:Actor {id: $target_id})
		MERGE (s)-[r:RELATES {type: $type}]->(t)
		SET r.id = $id,
		    r.scope_id = $scope_id,
		    r.confidence = $confidence,
		    r.strength = $strength,
		    r.context = $context,
		    r.source_doc = $source_doc,
		    r.updated_at = timestamp()
	`

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]interface{}{
			"id":         rel.ID,
			"scope_id":   rel.ScopeID,
			"source_id":  rel.SourceID,
			"target_id":  rel.TargetID,
			"type":       rel.Type,
			"confidence": rel.Confidence,
			"strength":   rel.Strength,
			"context":    rel.Context,
			"source_doc": rel.SourceDocID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}

	logger.Debug("Relationship projected",
		zap.String("source", rel.SourceID),
		zap.String("type", rel.Type),
		zap.String("target", rel.TargetID),
	)
	return nil
}

// DeleteActors removes actor nodes together with their edges.
func (c *Client) DeleteActors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `MATCH (a:Actor) WHERE a.id IN $ids DETACH DELETE a`,
			map[string]interface{}{"ids": ids})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete actors: %w", err)
	}
	logger.Debug("Actors removed from graph database", zap.Int("count", len(ids)))
	return nil
}

// DeleteScope removes every projected node of a scope.
func (c *Client) DeleteScope(ctx context.Context, scopeID string) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `MATCH (a:Actor {scope_id: $scope_id}) DETACH DELETE a`,
			map[string]interface{}{"scope_id": scopeID})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete scope: %w", err)
	}
	return nil
}

// Neighbors returns the actors directly connected to actorID.
func (c *Client) Neighbors(ctx context.Context, actorID string, minConfidence float64) ([]Neighbor, error) {
	var out []Neighbor

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		out = out[:0]
		query := `
			MATCH (a:Actor {id: $id})-[r:RELATES]-(n:Actor)
			WHERE coalesce(r.confidence, 0) >= $min_confidence
			RETURN n.id AS id, n.name AS name, n.type AS type, r.type AS rel_type,
			       startNode(r) = a AS outgoing, coalesce(r.confidence, 0.0) AS confidence
			ORDER BY confidence DESC, name
		`
		result, err := session.Run(ctx, query, map[string]interface{}{
			"id":             actorID,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return fmt.Errorf("failed to query neighbors: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("id")
			name, _ := record.Get("name")
			actorType, _ := record.Get("type")
			relType, _ := record.Get("rel_type")
			outgoing, _ := record.Get("outgoing")
			confidence, _ := record.Get("confidence")

			n := Neighbor{}
			n.ActorID, _ = id.(string)
			n.Name, _ = name.(string)
			n.Type, _ = actorType.(string)
			n.RelType, _ = relType.(string)
			n.Outgoing, _ = outgoing.(bool)
			n.Confidence, _ = confidence.(float64)
			out = append(out, n)
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
