package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sahilchouksey/chat-gateway/services/digitalocean"
	"github.com/sahilchouksey/chat-gateway/utils/cache"
)

// HandleCheckHealth reports liveness of the cache tier and the backend
// control plane. A degraded dependency flips the overall status but the
// endpoint itself always answers.
func HandleCheckHealth(c *fiber.Ctx, redis *cache.RedisCache, doClient *digitalocean.Client) error {
	status := "ok"
	checks := fiber.Map{}

	if err := redis.Ping(c.Context()); err != nil {
		status = "degraded"
		checks["redis"] = err.Error()
	} else {
		checks["redis"] = "ok"
	}

	if doClient != nil {
		if err := doClient.HealthCheck(c.Context()); err != nil {
			status = "degraded"
			checks["backend"] = err.Error()
		} else {
			checks["backend"] = "ok"
		}
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}
