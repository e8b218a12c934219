package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type CredentialHandler struct {
	service *services.CredentialService
	keys    *services.KeyManager
	logger  *logger.Logger
}

func NewCredentialHandler(service *services.CredentialService, keys *services.KeyManager, logger *logger.Logger) *CredentialHandler {
	return &CredentialHandler{service: service, keys: keys, logger: logger}
}

func (h *CredentialHandler) CreateCredential(c *fiber.Ctx) error {
	var req dto.CreateCredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	cred, err := h.service.CreateCredential(c.UserContext(), req.Input())
	if err != nil {
		h.logger.Warnw("credential_create_failed", "name", req.Name, "error", err)
		return errorJSON(c, err)
	}
	h.logger.Infow("credential_create_success", "id", cred.ID, "name", cred.Name)
	return c.Status(fiber.StatusCreated).JSON(dto.CredentialsToResponse([]domain.Credential{*cred})[0])
}

func (h *CredentialHandler) GetCredentials(c *fiber.Ctx) error {
	creds, err := h.service.GetCredentials(c.UserContext())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.CredentialsToResponse(creds))
}

func (h *CredentialHandler) DeleteCredential(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid credential id")
	}
	if err := h.service.DeleteCredential(c.UserContext(), uint(id)); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.SuccessResponse{Message: "credential deleted successfully"})
}

// PublicKey returns the managed key so it can be added to authorized_keys.
func (h *CredentialHandler) PublicKey(c *fiber.Ctx) error {
	if h.keys == nil || h.keys.GetPublicKey() == "" {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "no managed key"})
	}
	return c.JSON(fiber.Map{"public_key": h.keys.GetPublicKey()})
}
