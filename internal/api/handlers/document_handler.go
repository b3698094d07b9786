package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/ingestion"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
	store     *sqlite.Client
}

func NewDocumentHandler(processor *ingestion.Processor, store *sqlite.Client) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		store:     store,
	}
}

// SubmitDocument stores a document and enqueues it for extraction.
func (h *DocumentHandler) SubmitDocument(c *fiber.Ctx) error {
	var req ingestion.Submission
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	res, err := h.processor.Submit(c.UserContext(), req)
	if err != nil {
		return respondError(c, err, "Failed to submit document")
	}

	status := fiber.StatusOK
	if res.Enqueued {
		status = fiber.StatusAccepted
	}
	res.Document.RawContent = ""
	return c.Status(status).JSON(res)
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.store.GetDocument(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to load document")
	}
	if !c.QueryBool("content", false) {
		doc.RawContent = ""
	}
	return c.JSON(doc)
}
