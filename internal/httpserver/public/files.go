package public

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/storage/blob"
)

type filesHandler struct {
	container *app.Container
}

// serve streams a cached media object. Keys are content-addressed hashes, so
// responses are immutable and cacheable.
func (h *filesHandler) serve(c *fiber.Ctx) error {
	name := c.Params("name")

	reader, info, err := h.container.FileCache.Open(c.UserContext(), name)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "file not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "file read failed")
	}
	defer reader.Close()

	if info.ContentType != "" {
		c.Set(fiber.HeaderContentType, info.ContentType)
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400, immutable")

	data, err := io.ReadAll(reader)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "file read failed")
	}
	return c.Send(data)
}
