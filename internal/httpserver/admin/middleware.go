package admin

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
)

const bearerPrefix = "bearer "

// sessionAuth requires a valid admin session token.
func sessionAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if raw == "" || !strings.HasPrefix(strings.ToLower(raw), bearerPrefix) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "session token required")
		}

		username, err := container.Sessions.Verify(strings.TrimSpace(raw[len(bearerPrefix):]))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid or expired session")
		}

		c.Locals("admin_user", username)
		return c.Next()
	}
}
