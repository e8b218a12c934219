package middleware

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// RequestID stores the caller's request id, or a fresh one, under
// "request_id" in the user context. Services copy it into timeline events.
func RequestID(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqID string
		if header != "" {
			reqID = c.Get(header)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		if header != "" {
			c.Set(header, reqID)
		}
		c.Locals("request_id", reqID)
		c.SetUserContext(context.WithValue(c.UserContext(), "request_id", reqID))
		return c.Next()
	}
}

func AccessLog(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		routePath := ""
		if c.Route() != nil {
			routePath = c.Route().Path
		}
		log.Infow("http_access",
			"method", c.Method(),
			"path", c.Path(),
			"route", routePath,
			"query", string(c.Request().URI().QueryString()),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"user_agent", string(c.Request().Header.UserAgent()),
			"request_id", c.Locals("request_id"),
			"req_bytes", len(c.Request().Body()),
			"resp_bytes", len(c.Response().Body()),
		)
		return err
	}
}
