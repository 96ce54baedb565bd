package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/config"
)

func bearerOr(c *fiber.Ctx, header string) string {
	if token := c.Get(header); token != "" {
		return token
	}
	auth := c.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "unauthorized",
	})
}

func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := cfg.Auth.AdminAPIKey
		if apiKey == "" {
			return c.Next()
		}
		if bearerOr(c, "X-Admin-Token") != apiKey {
			return unauthorized(c)
		}
		return c.Next()
	}
}

// TaskAuth guards the node-management job API: the admin key and the node task token are both
// accepted.
func TaskAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey, taskToken := cfg.Auth.AdminAPIKey, cfg.NodeTasks.Token
		if apiKey == "" && taskToken == "" {
			return c.Next()
		}
		token := bearerOr(c, "X-Admin-Token")
		if token == "" || (token != apiKey && token != taskToken) {
			return unauthorized(c)
		}
		return c.Next()
	}
}
