package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
)

type cacheHandler struct {
	container *app.Container
}

type purgeCacheRequest struct {
	All bool `json:"all"`
}

func (h *cacheHandler) purge(c *fiber.Ctx) error {
	var req purgeCacheRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	var (
		purged int
		err    error
	)
	if req.All {
		purged, err = h.container.FileCache.PurgeAll(c.UserContext())
	} else {
		purged, err = h.container.FileCache.Purge(c.UserContext())
	}
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "cache purge failed")
	}
	return c.JSON(fiber.Map{"purged": purged})
}
