package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/actor-graph/backend/internal/dedup"
	"github.com/actor-graph/backend/internal/kg/builder"
	"github.com/actor-graph/backend/internal/kg/neo4j"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// NeighborSource answers adjacency queries from the projected graph database.
type NeighborSource interface {
	Neighbors(ctx context.Context, actorID string, minConfidence float64) ([]neo4j.Neighbor, error)
}

// CachePurger drops every graph held in the shared cache tier.
type CachePurger interface {
	DeleteAllGraphs(ctx context.Context) (int, error)
}

type GraphHandler struct {
	builder   *builder.Builder
	dedup     *dedup.Deduplicator
	store     *sqlite.Client
	neighbors NeighborSource
	purger    CachePurger
}

// NewGraphHandler builds the graph handler. neighbors and purger may be nil when no graph
// database or shared cache is configured.
func NewGraphHandler(b *builder.Builder, d *dedup.Deduplicator, store *sqlite.Client, neighbors NeighborSource, purger CachePurger) *GraphHandler {
	return &GraphHandler{builder: b, dedup: d, store: store, neighbors: neighbors, purger: purger}
}

func (h *GraphHandler) BuildGraph(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}

	var (
		g   *builder.Graph
		err error
	)
	if c.QueryBool("fresh", false) {
		g, err = h.builder.Compose(c.UserContext(), scope)
	} else {
		g, err = h.builder.BuildGraph(c.UserContext(), scope)
	}
	if err != nil {
		return respondError(c, err, "Failed to build graph")
	}
	return c.JSON(g)
}

func (h *GraphHandler) ClearScope(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}
	h.builder.Invalidate(scope)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *GraphHandler) ClearAll(c *fiber.Ctx) error {
	cleared := h.builder.Clear()
	shared := 0
	if h.purger != nil {
		n, err := h.purger.DeleteAllGraphs(c.UserContext())
		if err != nil {
			return respondError(c, apperrors.NewStoreUnavailable("shared graph cache", err), "Failed to clear shared graph cache")
		}
		shared = n
	}
	return c.JSON(fiber.Map{
		"cleared":        cleared,
		"shared_cleared": shared,
	})
}

func (h *GraphHandler) MergeDuplicates(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}
	res, err := h.dedup.MergeDuplicates(c.UserContext(), scope)
	if err != nil {
		return respondError(c, err, "Failed to merge duplicates")
	}
	return c.JSON(res)
}

func (h *GraphHandler) ListActors(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}
	actors, err := h.store.ListActors(c.UserContext(), scope)
	if err != nil {
		return respondError(c, err, "Failed to list actors")
	}
	if actors == nil {
		actors = []*models.Actor{}
	}
	return c.JSON(fiber.Map{"actors": actors})
}

func (h *GraphHandler) ListScopes(c *fiber.Ctx) error {
	scopes, err := h.store.ListScopes(c.UserContext())
	if err != nil {
		return respondError(c, err, "Failed to list scopes")
	}
	if scopes == nil {
		scopes = []string{}
	}
	return c.JSON(fiber.Map{"scopes": scopes})
}

func (h *GraphHandler) Neighbors(c *fiber.Ctx) error {
	if h.neighbors == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "Graph database not configured"})
	}
	out, err := h.neighbors.Neighbors(c.UserContext(), c.Params("id"), c.QueryFloat("min_confidence", 0))
	if err != nil {
		return respondError(c, err, "Failed to query neighbors")
	}
	if out == nil {
		out = []neo4j.Neighbor{}
	}
	return c.JSON(fiber.Map{"neighbors": out})
}
