package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/config"
)

// AdminAuth requires the admin API key in X-Admin-Token or as a bearer
// token. Websocket clients may pass it as ?token= instead. An empty key
// disables the check.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := cfg.Auth.AdminAPIKey
		if apiKey == "" {
			return c.Next()
		}

		headerToken := c.Get("X-Admin-Token")
		if headerToken == "" {
			auth := c.Get("Authorization")
			const prefix = "Bearer "
			if strings.HasPrefix(auth, prefix) {
				headerToken = auth[len(prefix):]
			}
		}
		if headerToken == "" {
			headerToken = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(headerToken), []byte(apiKey)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}
