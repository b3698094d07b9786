package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/middleware/validation"
	apperrors "github.com/actor-graph/backend/pkg/errors"
	"github.com/actor-graph/backend/pkg/logger"
)

// respondError maps a service error to an HTTP status and a JSON error body.
func respondError(c *fiber.Ctx, err error, msg string) error {
	status := fiber.StatusInternalServerError
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeValidation):
		status = fiber.StatusBadRequest
	case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
		status = fiber.StatusNotFound
	case apperrors.IsErrorType(err, apperrors.ErrorTypeStoreUnavailable):
		status = fiber.StatusServiceUnavailable
	case apperrors.IsErrorType(err, apperrors.ErrorTypeOracleUnavailable),
		apperrors.IsErrorType(err, apperrors.ErrorTypeSourceUnavailable):
		status = fiber.StatusBadGateway
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// scopeParam returns the :scope route parameter and whether it is a valid scope id.
func scopeParam(c *fiber.Ctx) (string, bool) {
	scope := c.Params("scope")
	return scope, validation.ValidScope(scope)
}
