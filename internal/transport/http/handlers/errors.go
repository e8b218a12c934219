package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/transport/http/dto"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrExecutionNotFound),
		errors.Is(err, services.ErrConnectionNotFound),
		errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrCredentialNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrEmptyCommand),
		errors.Is(err, services.ErrResolution),
		errors.Is(err, services.ErrInvalidTargetOS),
		errors.Is(err, services.ErrConnectionInvalidInput),
		errors.Is(err, services.ErrGroupInvalidInput),
		errors.Is(err, services.ErrCredentialInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrNoTargets):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrShuttingDown),
		errors.Is(err, services.ErrHistoryUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error()})
}

func badRequest(c *fiber.Ctx, msg string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Details: details})
}
