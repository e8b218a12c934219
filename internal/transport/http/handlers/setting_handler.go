package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type SettingHandler struct {
	service *services.SystemSettingService
	logger  *logger.Logger
}

func NewSettingHandler(service *services.SystemSettingService, logger *logger.Logger) *SettingHandler {
	return &SettingHandler{service: service, logger: logger}
}

func (h *SettingHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.service.GetSettings(c.UserContext())
	if err != nil {
		h.logger.Errorw("settings_get_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(settings)
}

func (h *SettingHandler) UpdateSettings(c *fiber.Ctx) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("settings_update_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}

	h.logger.Infow("settings_update_request", "keys", len(req))
	if err := h.service.UpdateSettings(c.UserContext(), req); err != nil {
		h.logger.Warnw("settings_update_failed", "error", err)
		return badRequest(c, err.Error())
	}
	return c.JSON(dto.SuccessResponse{Message: "settings updated successfully"})
}
