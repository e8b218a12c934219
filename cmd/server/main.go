package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/db"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/memstore"
	"github.com/netly/fleet/internal/infrastructure/redisbus"
	"github.com/netly/fleet/internal/infrastructure/remote"
	"github.com/netly/fleet/internal/infrastructure/sqlite"
	transporthttp "github.com/netly/fleet/internal/transport/http"
	httpmw "github.com/netly/fleet/internal/transport/http/middleware"
	"gorm.io/gorm"
)

func main() {
	configPath := "config/config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}
	if p := os.Getenv("FLEET_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	database, err := db.NewConnection(cfg.Database, log)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Info("database connection established")

	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Info("database migrations completed")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var timeline ports.TimelineRepository = db.NewTimelineLogRepo(log)
	if cfg.Features.EnableTimeline {
		timeline = db.NewTimelineRepository(database, log)
	}

	settings := services.NewSystemSettingService(db.NewSystemSettingRepository(database, log), log, cfg.Features.EnableLocks)
	keys := services.NewKeyManager(settings, log)
	if err := keys.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize managed ssh key: %v", err)
	}

	connections := services.NewConnectionService(services.ConnectionServiceConfig{
		Repository:   db.NewConnectionRepository(database, log),
		Groups:       db.NewGroupRepository(database, log),
		TimelineRepo: timeline,
		Logger:       log,
		EnableLocks:  cfg.Features.EnableLocks,
	})
	credentials := services.NewCredentialService(db.NewCredentialRepository(database, log), keys, cfg.Security.EncryptionKey, log)

	history, closeHistory, err := openHistory(ctx, cfg.History, database, log)
	if err != nil {
		log.Fatalf("failed to open execution history: %v", err)
	}
	defer closeHistory()

	sshClient, err := remote.NewSSHClient(remote.SSHConfig{
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		UseAgent:       cfg.SSH.UseAgent,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		ScriptDir:      cfg.SSH.ScriptDir,
	}, log.Named("ssh"))
	if err != nil {
		log.Fatalf("failed to configure ssh: %v", err)
	}
	registry := services.NewExecutorRegistry()
	registry.Register(domain.ConnectionSSH, remote.NewSSHExecutor(sshClient))
	registry.Register(domain.ConnectionLocal, remote.NewLocalExecutor())

	executions := services.NewExecutionService(services.ExecutionServiceConfig{
		Resolver: services.NewHostResolver(connections),
		Runner: services.NewTaskRunner(services.TaskRunnerConfig{
			Executors:   registry,
			Credentials: credentials,
			CancelGrace: cfg.Execution.CancelGrace,
			Logger:      log,
		}),
		Repository:     history,
		Timeline:       timeline,
		Logger:         log,
		Workers:        cfg.Execution.Workers,
		MaxWorkers:     cfg.Execution.MaxWorkers,
		HostTimeout:    cfg.Execution.HostTimeout,
		MaxHostTimeout: cfg.Execution.MaxHostTimeout,
	})
	services.NewCleanupService(executions, timeline, cfg.History.Retention, log.Named("cleanup")).
		Start(ctx, cfg.History.PruneEvery)

	if cfg.Redis.Enabled {
		client, err := redisbus.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warnw("redis_mirror_disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer client.Close()
			mirror := redisbus.NewMirror(client, cfg.Redis.ChannelPrefix, log.Named("redis"))
			go mirror.Run(ctx, executions.Bus().SubscribeAll())
			log.Infow("redis_mirror_enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.ChannelPrefix)
		}
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token, " + cfg.Features.RequestIDHeader,
		AllowMethods: "GET, POST, HEAD, PUT, DELETE, PATCH",
	}))

	app.Use(httpmw.RequestID(cfg.Features.RequestIDHeader))
	if cfg.Features.EnableRequestLogging {
		app.Use(httpmw.AccessLog(log))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Config:      cfg,
		Logger:      log,
		Executions:  executions,
		Connections: connections,
		Credentials: credentials,
		Settings:    settings,
		Keys:        keys,
		Timeline:    timeline,
	})

	addr := cfg.Server.Address()
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()
	log.Infof("server started on %s", addr)

	gracefulShutdown(app, executions, database, stop, log)
}

// openHistory picks the execution history backend. The returned func
// releases whatever the backend holds open.
func openHistory(ctx context.Context, cfg config.HistoryConfig, database *gorm.DB, log *logger.Logger) (ports.ExecutionRepository, func(), error) {
	switch cfg.Driver {
	case "", "gorm":
		return db.NewExecutionRepository(database, log), func() {}, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Infow("history_sqlite_opened", "path", cfg.SQLitePath)
		return store, func() {
			if err := store.Close(); err != nil {
				log.Errorw("history_sqlite_close_failed", "error", err)
			}
		}, nil
	case "memory":
		log.Warnw("history_in_memory", "note", "execution history is lost on restart")
		return memstore.NewExecutionStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(app *fiber.App, executions *services.ExecutionService, database *gorm.DB, stop context.CancelFunc, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	// Running executions are cancelled and their final state flushed before
	// the database goes away.
	if err := executions.Shutdown(ctx); err != nil {
		log.Errorf("executions did not stop cleanly: %v", err)
	}
	stop()

	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}

	log.Info("server exited gracefully")
}
