// Package public implements the OpenAI-style generation API and the cached
// file route.
package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
)

// Register wires the public API routes.
func Register(fiberApp *fiber.App, container *app.Container) {
	handler := &generationHandler{container: container}

	group := fiberApp.Group("/v1", apiKeyAuth(container))
	group.Get("/models", handler.listModels)
	group.Post("/images/generations", handler.imageGenerations)
	group.Post("/videos/generations", handler.videoGenerations)
	group.Get("/videos/generations/:id", handler.getVideoGeneration)

	// Cached media is served unauthenticated: result URLs are handed to
	// clients that may not hold the API key (players, embeds).
	files := &filesHandler{container: container}
	fiberApp.Get("/files/:name", files.serve)
}
