package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type TimelineHandler struct {
	repo ports.TimelineRepository
}

func NewTimelineHandler(repo ports.TimelineRepository) *TimelineHandler {
	return &TimelineHandler{repo: repo}
}

func (h *TimelineHandler) GetEvents(c *fiber.Ctx) error {
	rtype := c.Query("resource_type")
	ridStr := c.Query("resource_id")
	if rtype != "" && ridStr != "" {
		rid64, err := strconv.ParseUint(ridStr, 10, 32)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid resource_id"})
		}
		events, err := h.repo.GetByResource(c.UserContext(), rtype, uint(rid64))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		return c.JSON(events)
	}
	events, err := h.repo.GetAll(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(events)
}
