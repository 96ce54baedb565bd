package cli

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/netly/fleet/internal/app"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/infrastructure/logger"
	transporthttp "github.com/netly/fleet/internal/transport/http"
	"github.com/spf13/cobra"
)

const requestIDLocal = "request_id"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rollout API and the node-management endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()
			return serve(cmd.Context(), a)
		},
	}
}

func newFiberApp(a *app.App) *fiber.App {
	cfg, log := a.Config, a.Logger

	server := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	server.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	server.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods: "GET, POST, HEAD, DELETE",
	}))

	server.Use(requestID(cfg.Features))
	if cfg.Features.EnableRequestLogging {
		server.Use(accessLog(log))
	}

	routes := transporthttp.RouterConfig{
		Logger:    log.Named("http"),
		Config:    cfg,
		Servers:   a.Servers,
		Instances: a.Instances,
		Rollouts:  a.Rollouts,
		Tasks:     a.Tasks,
		Timeline:  a.Timeline,
	}
	if a.Metrics != nil {
		routes.Metrics = a.Metrics.Handler()
	}
	transporthttp.SetupRoutes(server, routes)
	return server
}

// serve blocks until ctx is cancelled, then shuts the server down.
func serve(ctx context.Context, a *app.App) error {
	server := newFiberApp(a)
	log := a.Logger

	ln, err := net.Listen("tcp4", a.Config.Server.Address())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listener(ln)
	}()
	log.Infof("server started on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return gracefulShutdown(server, log)
}

func requestID(features config.FeaturesConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqID string
		if features.RequestIDHeader != "" {
			reqID = c.Get(features.RequestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals(requestIDLocal, reqID)
		if features.RequestIDHeader != "" {
			c.Set(features.RequestIDHeader, reqID)
		}
		return c.Next()
	}
}

func accessLog(log *logger.Logger) fiber.Handler {
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
			"request_id", c.Locals(requestIDLocal),
			"req_bytes", len(c.Request().Body()),
			"resp_bytes", len(c.Response().Body()),
		)
		return err
	}
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(requestIDLocal),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(requestIDLocal),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(server *fiber.App, log *logger.Logger) error {
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
		return err
	}
	log.Info("server exited gracefully")
	return nil
}
