package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/actor-graph/backend/internal/evidence"
	"github.com/actor-graph/backend/internal/storage/models"
)

type SuggestionHandler struct {
	accumulator *evidence.Accumulator
}

func NewSuggestionHandler(acc *evidence.Accumulator) *SuggestionHandler {
	return &SuggestionHandler{accumulator: acc}
}

// Inbox lists the suggestions of a scope for review.
func (h *SuggestionHandler) Inbox(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}

	filter := models.SuggestionFilter{
		Status:        c.Query("status"),
		Type:          c.Query("type"),
		ActorID:       c.Query("actor_id"),
		MinConfidence: c.QueryFloat("min_confidence", 0),
		MinEvidence:   c.QueryInt("min_evidence", 0),
		Limit:         c.QueryInt("limit", 100),
		Offset:        c.QueryInt("offset", 0),
	}

	entries, err := h.accumulator.GetSuggestionsInbox(c.UserContext(), scope, filter)
	if err != nil {
		return respondError(c, err, "Failed to load suggestions")
	}
	return c.JSON(fiber.Map{
		"scope_id":    scope,
		"suggestions": entries,
	})
}

// Promotable reports suggestions crossing the promotion thresholds without changing them.
func (h *SuggestionHandler) Promotable(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}

	ready, err := h.accumulator.CheckAutoPromotions(c.UserContext(), scope,
		c.QueryInt("min_evidence", 0), c.QueryFloat("min_confidence", 0))
	if err != nil {
		return respondError(c, err, "Failed to check promotions")
	}
	if ready == nil {
		ready = []*models.Suggestion{}
	}
	return c.JSON(fiber.Map{"suggestions": ready})
}

func (h *SuggestionHandler) AutoPromote(c *fiber.Ctx) error {
	scope, ok := scopeParam(c)
	if !ok {
		return badRequest(c, "Invalid scope id")
	}

	promoted, err := h.accumulator.AutoPromote(c.UserContext(), scope)
	if err != nil {
		return respondError(c, err, "Failed to promote suggestions")
	}
	if promoted == nil {
		promoted = []*models.Relationship{}
	}
	return c.JSON(fiber.Map{"relationships": promoted})
}

func (h *SuggestionHandler) Approve(c *fiber.Ctx) error {
	rel, err := h.accumulator.ApproveSuggestion(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to approve suggestion")
	}
	return c.JSON(rel)
}

func (h *SuggestionHandler) Reject(c *fiber.Ctx) error {
	if err := h.accumulator.RejectSuggestion(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err, "Failed to reject suggestion")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *SuggestionHandler) Dismiss(c *fiber.Ctx) error {
	sg, err := h.accumulator.DismissSuggestion(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to dismiss suggestion")
	}
	return c.JSON(sg)
}
