package admin

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/models"
)

type taskHandler struct {
	container *app.Container
}

func (h *taskHandler) list(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	tasks, err := h.container.Store.ListTasks(c.UserContext(), limit, offset)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "list tasks failed")
	}

	data := make([]fiber.Map, 0, len(tasks))
	for _, task := range tasks {
		data = append(data, taskView(task))
	}
	return c.JSON(fiber.Map{
		"tasks":  data,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *taskHandler) get(c *fiber.Ctx) error {
	task, err := h.container.Store.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "task not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "task lookup failed")
	}
	return c.JSON(taskView(task))
}

func taskView(task models.GenerationTask) fiber.Map {
	view := fiber.Map{
		"id":         task.ID,
		"token_id":   task.TokenID,
		"media_type": string(task.MediaType),
		"model":      task.Model,
		"prompt":     task.Prompt,
		"status":     string(task.Status),
		"progress":   task.Progress,
		"created_at": task.CreatedAt.Format(time.RFC3339),
	}
	if task.SceneID != "" {
		view["scene_id"] = task.SceneID
	}
	if len(task.ResultURLs) > 0 {
		view["result_urls"] = task.ResultURLs
	}
	if len(task.CachedURLs) > 0 {
		view["cached_urls"] = task.CachedURLs
	}
	if task.ErrorClass != models.ErrClassNone {
		view["error_class"] = string(task.ErrorClass)
		view["error_message"] = task.ErrorMessage
	}
	if task.CompletedAt != nil {
		view["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	return view
}
