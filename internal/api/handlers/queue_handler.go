package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/internal/storage/models"
)

type QueueHandler struct {
	queue *queue.Queue
}

func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{queue: q}
}

// Enqueue (re)queues an already stored document.
func (h *QueueHandler) Enqueue(c *fiber.Ctx) error {
	var req struct {
		DocumentID string `json:"document_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	item, created, err := h.queue.Enqueue(c.UserContext(), req.DocumentID)
	if err != nil {
		return respondError(c, err, "Failed to enqueue document")
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"item":    item,
		"created": created,
	})
}

func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.queue.GetStats(c.UserContext())
	if err != nil {
		return respondError(c, err, "Failed to load queue stats")
	}
	return c.JSON(stats)
}

func (h *QueueHandler) List(c *fiber.Ctx) error {
	items, err := h.queue.List(c.UserContext(), models.QueueStatus(c.Query("status")), c.QueryInt("limit", 100))
	if err != nil {
		return respondError(c, err, "Failed to list queue items")
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	return c.JSON(fiber.Map{"items": items})
}

func (h *QueueHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "Invalid queue item id")
	}
	item, err := h.queue.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "Failed to load queue item")
	}
	return c.JSON(item)
}

func (h *QueueHandler) RetryFailed(c *fiber.Ctx) error {
	n, err := h.queue.RetryFailed(c.UserContext())
	if err != nil {
		return respondError(c, err, "Failed to retry failed items")
	}
	return c.JSON(fiber.Map{"reset": n})
}

func (h *QueueHandler) RetryDead(c *fiber.Ctx) error {
	n, err := h.queue.RetryDead(c.UserContext())
	if err != nil {
		return respondError(c, err, "Failed to retry dead items")
	}
	return c.JSON(fiber.Map{"reset": n})
}
