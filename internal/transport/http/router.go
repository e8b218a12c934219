package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/handlers"
	httpmw "github.com/netly/fleet/internal/transport/http/middleware"
)

// RouterConfig carries the already wired services. cmd/server builds them.
type RouterConfig struct {
	Config      *config.Config
	Logger      *logger.Logger
	Executions  *services.ExecutionService
	Connections *services.ConnectionService
	Credentials *services.CredentialService
	Settings    *services.SystemSettingService
	Keys        *services.KeyManager
	Timeline    ports.TimelineRepository
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	executionHandler := handlers.NewExecutionHandler(cfg.Executions, cfg.Logger)
	connectionHandler := handlers.NewConnectionHandler(cfg.Connections, cfg.Logger)
	credentialHandler := handlers.NewCredentialHandler(cfg.Credentials, cfg.Keys, cfg.Logger)
	settingHandler := handlers.NewSettingHandler(cfg.Settings, cfg.Logger)
	timelineHandler := handlers.NewTimelineHandler(cfg.Timeline)

	// Live execution stream
	app.Use("/ws", httpmw.AdminAuth(cfg.Config), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/executions/:id", websocket.New(executionHandler.Stream))

	api := app.Group("/api/v1", httpmw.AdminAuth(cfg.Config))

	executions := api.Group("/executions")
	executions.Post("/", executionHandler.Execute)
	executions.Get("/", executionHandler.List)
	executions.Get("/:id", executionHandler.Get)
	executions.Post("/:id/cancel", executionHandler.Cancel)

	connections := api.Group("/connections")
	connections.Post("/", connectionHandler.CreateConnection)
	connections.Get("/", connectionHandler.GetConnections)
	connections.Get("/:id", connectionHandler.GetConnection)
	connections.Patch("/:id", connectionHandler.UpdateConnection)
	connections.Delete("/:id", connectionHandler.DeleteConnection)

	groups := api.Group("/groups")
	groups.Post("/", connectionHandler.CreateGroup)
	groups.Get("/", connectionHandler.GetGroups)
	groups.Get("/:id", connectionHandler.GetGroup)
	groups.Put("/:id/members", connectionHandler.SetGroupMembers)
	groups.Delete("/:id", connectionHandler.DeleteGroup)

	credentials := api.Group("/credentials")
	credentials.Post("/", credentialHandler.CreateCredential)
	credentials.Get("/", credentialHandler.GetCredentials)
	credentials.Get("/public-key", credentialHandler.PublicKey)
	credentials.Delete("/:id", credentialHandler.DeleteCredential)

	settings := api.Group("/settings")
	settings.Get("/", settingHandler.GetSettings)
	settings.Post("/", settingHandler.UpdateSettings)

	api.Get("/timeline", timelineHandler.GetEvents)
}
