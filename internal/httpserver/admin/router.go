// Package admin implements the operator API: login, token pool management,
// task inspection, runtime settings and cache control.
package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
)

// Register wires the admin API routes.
func Register(fiberApp *fiber.App, container *app.Container) {
	login := &loginHandler{container: container}
	fiberApp.Post("/admin/api/login", login.login)

	group := fiberApp.Group("/admin/api", sessionAuth(container))

	tokens := &tokenHandler{container: container}
	group.Get("/tokens", tokens.list)
	group.Post("/tokens", tokens.create)
	group.Patch("/tokens/:id", tokens.update)
	group.Delete("/tokens/:id", tokens.delete)
	group.Post("/tokens/:id/reset-errors", tokens.resetErrors)

	tasks := &taskHandler{container: container}
	group.Get("/tasks", tasks.list)
	group.Get("/tasks/:id", tasks.get)

	settings := &settingsHandler{container: container}
	group.Get("/settings", settings.list)
	group.Put("/settings/:key", settings.update)
	group.Delete("/settings/:key", settings.reset)

	cache := &cacheHandler{container: container}
	group.Post("/cache/purge", cache.purge)
}
