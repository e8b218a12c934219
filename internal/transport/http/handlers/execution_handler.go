package handlers

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type ExecutionHandler struct {
	service *services.ExecutionService
	logger  *logger.Logger
}

func NewExecutionHandler(service *services.ExecutionService, logger *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{service: service, logger: logger}
}

func (h *ExecutionHandler) Execute(c *fiber.Ctx) error {
	var req dto.ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("execution_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}
	if problems := req.Validate(); len(problems) > 0 {
		h.logger.Warnw("execution_validation_failed", "details", problems)
		return badRequest(c, "validation failed", problems...)
	}

	ticket, err := h.service.ExecuteWithOptions(c.UserContext(), req.Spec(), req.HostFilter(), services.ExecuteOptions{
		Workers:     req.Workers,
		HostTimeout: req.Timeout(),
		AllowEmpty:  req.AllowEmpty,
	})
	if err != nil {
		h.logger.Warnw("execution_rejected", "error", err)
		var execErr *services.ExecutionError
		if errors.As(err, &execErr) {
			return c.Status(statusFor(err)).JSON(fiber.Map{
				"error":        execErr.Err.Error(),
				"execution_id": execErr.ExecutionID,
			})
		}
		return errorJSON(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(ticket)
}

func (h *ExecutionHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return badRequest(c, "limit must be between 1 and 500")
	}
	execs, err := h.service.History(c.UserContext(), limit)
	if err != nil {
		h.logger.Errorw("execution_list_failed", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(dto.ExecutionsToSummaries(execs))
}

func (h *ExecutionHandler) Get(c *fiber.Ctx) error {
	exec, err := h.service.GetExecution(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.ExecutionToResponse(exec))
}

func (h *ExecutionHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	accepted, err := h.service.Cancel(c.UserContext(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	h.logger.Infow("execution_cancel_request", "execution_id", id, "accepted", accepted)
	return c.JSON(fiber.Map{"execution_id": id, "cancelled": accepted})
}

// Stream sends a snapshot frame and then every event until the execution
// completes or the client goes away.
func (h *ExecutionHandler) Stream(conn *websocket.Conn) {
	defer conn.Close()
	id := conn.Params("id")

	snap, sub, err := h.service.Watch(context.Background(), id)
	if err != nil {
		h.logger.Warnw("execution_stream_rejected", "execution_id", id, "error", err)
		_ = h.write(conn, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.write(conn, dto.SnapshotMessage(snap)); err != nil || sub == nil {
		return
	}
	defer sub.Close()

	// Detect a client that hangs up while nothing is being published.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			h.logger.Debugw("execution_stream_client_gone", "execution_id", id)
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.write(conn, dto.EventMessage(ev)); err != nil {
				h.logger.Debugw("execution_stream_write_failed", "execution_id", id, "error", err)
				return
			}
		}
	}
}

func (h *ExecutionHandler) write(conn *websocket.Conn, v interface{}) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
