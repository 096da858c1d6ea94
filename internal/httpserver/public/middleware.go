package public

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/auth"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/limits"
)

const authBearerPrefix = "bearer "

// apiKeyAuth validates the bearer key and applies the per-client rate
// limits. The parallel slot is held for the whole request.
func apiKeyAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		configured := container.Settings.Current().APIKey

		presented := ""
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if raw != "" {
			if !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
				return httputil.WriteError(c, fiber.StatusUnauthorized, "bearer token required")
			}
			presented = strings.TrimSpace(raw[len(authBearerPrefix):])
		}

		if configured != "" && presented == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "authorization header required")
		}
		if !auth.CheckAPIKey(presented, configured) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid api key")
		}

		clientKey := presented
		if clientKey == "" {
			clientKey = c.IP()
		}

		ctx := c.UserContext()
		if err := container.RateLimiter.Allow(ctx, clientKey); err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			// Redis trouble fails open; generation admission still caps load.
			container.Logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			return c.Next()
		}
		defer container.RateLimiter.Release(ctx, clientKey)

		return c.Next()
	}
}
