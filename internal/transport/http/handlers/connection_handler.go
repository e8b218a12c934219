package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type ConnectionHandler struct {
	service *services.ConnectionService
	logger  *logger.Logger
}

func NewConnectionHandler(service *services.ConnectionService, logger *logger.Logger) *ConnectionHandler {
	return &ConnectionHandler{service: service, logger: logger}
}

func (h *ConnectionHandler) CreateConnection(c *fiber.Ctx) error {
	var req dto.CreateConnectionRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("connection_create_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}

	h.logger.Infow("connection_create_request", "name", req.Name, "hostname", req.Hostname)
	conn, err := h.service.CreateConnection(c.UserContext(), req.Input())
	if err != nil {
		h.logger.Warnw("connection_create_failed", "error", err)
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.ConnectionToResponse(conn))
}

func (h *ConnectionHandler) GetConnections(c *fiber.Ctx) error {
	conns, err := h.service.GetConnections(c.UserContext())
	if err != nil {
		h.logger.Errorw("connections_list_failed", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(dto.ConnectionsToResponse(conns))
}

func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid connection id")
	}
	conn, err := h.service.GetConnectionByID(c.UserContext(), uint(id))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.ConnectionToResponse(conn))
}

func (h *ConnectionHandler) UpdateConnection(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid connection id")
	}
	var req dto.UpdateConnectionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	conn, err := h.service.UpdateConnection(c.UserContext(), uint(id), req.Input())
	if err != nil {
		h.logger.Warnw("connection_update_failed", "id", id, "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(dto.ConnectionToResponse(conn))
}

func (h *ConnectionHandler) DeleteConnection(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid connection id")
	}
	if err := h.service.DeleteConnection(c.UserContext(), uint(id)); err != nil {
		h.logger.Warnw("connection_delete_failed", "id", id, "error", err)
		return errorJSON(c, err)
	}
	h.logger.Infow("connection_delete_success", "id", id)
	return c.JSON(dto.SuccessResponse{Message: "connection deleted successfully"})
}

// ==================== Groups ====================

func (h *ConnectionHandler) CreateGroup(c *fiber.Ctx) error {
	var req dto.CreateGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	group, err := h.service.CreateGroup(c.UserContext(), req.Input())
	if err != nil {
		h.logger.Warnw("group_create_failed", "name", req.Name, "error", err)
		return errorJSON(c, err)
	}
	return h.groupJSON(c.Status(fiber.StatusCreated), group.ID)
}

func (h *ConnectionHandler) GetGroups(c *fiber.Ctx) error {
	groups, err := h.service.GetGroups(c.UserContext())
	if err != nil {
		return errorJSON(c, err)
	}
	out := make([]dto.GroupResponse, 0, len(groups))
	for i := range groups {
		members, err := h.service.GroupMembers(c.UserContext(), groups[i].ID)
		if err != nil {
			return errorJSON(c, err)
		}
		out = append(out, dto.GroupToResponse(&groups[i], members))
	}
	return c.JSON(out)
}

func (h *ConnectionHandler) GetGroup(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid group id")
	}
	return h.groupJSON(c, uint(id))
}

func (h *ConnectionHandler) SetGroupMembers(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid group id")
	}
	var req dto.SetMembersRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.service.SetGroupMembers(c.UserContext(), uint(id), req.ConnectionIDs); err != nil {
		h.logger.Warnw("group_set_members_failed", "id", id, "error", err)
		return errorJSON(c, err)
	}
	return h.groupJSON(c, uint(id))
}

func (h *ConnectionHandler) DeleteGroup(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid group id")
	}
	if err := h.service.DeleteGroup(c.UserContext(), uint(id)); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.SuccessResponse{Message: "group deleted successfully"})
}

func (h *ConnectionHandler) groupJSON(c *fiber.Ctx, id uint) error {
	group, err := h.service.GetGroup(c.UserContext(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	members, err := h.service.GroupMembers(c.UserContext(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.GroupToResponse(group, members))
}
