package http

import (
	"net/http"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/handlers"
	httpmw "github.com/netly/fleet/internal/transport/http/middleware"
)

type RouterConfig struct {
	Logger    *logger.Logger
	Config    *config.Config
	Servers   ports.ServerService
	Instances ports.InstanceService
	Rollouts  handlers.RolloutRunner
	Tasks     handlers.TaskSource
	Timeline  ports.TimelineRepository
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	serverHandler := handlers.NewServerHandler(cfg.Servers, cfg.Logger)
	instanceHandler := handlers.NewInstanceHandler(cfg.Instances, cfg.Logger)
	rolloutHandler := handlers.NewRolloutHandler(cfg.Rollouts, cfg.Logger)
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger)
	timelineHandler := handlers.NewTimelineHandler(cfg.Timeline)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	// Task event stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks/:id", httpmw.TaskAuth(cfg.Config), websocket.New(taskHandler.Stream))

	api := app.Group("/api/v1")

	// Rollout routes
	rollouts := api.Group("/rollouts", httpmw.AdminAuth(cfg.Config))
	rollouts.Post("/plan", rolloutHandler.Plan)
	rollouts.Post("/", rolloutHandler.Apply)

	// Node-management job routes
	servicesGroup := api.Group("/services", httpmw.TaskAuth(cfg.Config))
	servicesGroup.Post("/:id/instances", instanceHandler.CreateInstance)
	servicesGroup.Get("/:id/instances", instanceHandler.ListInstances)

	tasks := api.Group("/tasks", httpmw.TaskAuth(cfg.Config))
	tasks.Get("/:id", taskHandler.GetTask)

	// Server routes
	servers := api.Group("/servers", httpmw.AdminAuth(cfg.Config))
	servers.Post("/", serverHandler.CreateServer)
	servers.Get("/", serverHandler.GetServers)
	servers.Get("/:id", serverHandler.GetServer)
	servers.Delete("/:id", serverHandler.DeleteServer)

	// Timeline routes
	timeline := api.Group("/timeline", httpmw.AdminAuth(cfg.Config))
	timeline.Get("/", timelineHandler.GetEvents)
}
