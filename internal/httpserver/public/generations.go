package public

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/orchestrator"
)

type generationHandler struct {
	container *app.Container
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Seed   *int64 `json:"seed"`
}

type videoRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Seed        *int64 `json:"seed"`
}

// imageGenerations runs a synchronous generation: the request blocks until
// the task settles, then answers in the OpenAI images format.
func (h *generationHandler) imageGenerations(c *fiber.Ctx) error {
	var req imageRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "prompt is required")
	}

	entry, ok := lookupModel(req.Model, models.MediaImage)
	if !ok {
		return httputil.WriteError(c, fiber.StatusBadRequest, "unknown image model")
	}

	task, err := h.container.Orchestrator.Start(c.UserContext(), orchestrator.Request{
		Media:  models.MediaImage,
		Model:  entry.UpstreamKey,
		Prompt: req.Prompt,
		Seed:   req.Seed,
	})
	if err != nil {
		return writeStartError(c, err)
	}

	settled, err := h.container.Orchestrator.Wait(c.UserContext(), task.ID)
	if err != nil {
		// The client went away; the generation keeps running in the
		// background and stays queryable by task id.
		return httputil.WriteError(c, fiber.StatusRequestTimeout, "request cancelled, task "+task.ID+" continues")
	}

	if settled.Status != models.TaskSucceeded {
		return writeFailedTask(c, settled)
	}

	urls := servableURLs(settled)
	data := make([]fiber.Map, 0, len(urls))
	for _, u := range urls {
		data = append(data, fiber.Map{"url": u})
	}
	return c.JSON(fiber.Map{
		"created": settled.CreatedAt.Unix(),
		"data":    data,
	})
}

// videoGenerations queues a task and returns immediately. An Idempotency-Key
// header makes retried submissions return the original task.
func (h *generationHandler) videoGenerations(c *fiber.Ctx) error {
	var req videoRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "prompt is required")
	}

	entry, ok := lookupModel(req.Model, models.MediaVideo)
	if !ok {
		return httputil.WriteError(c, fiber.StatusBadRequest, "unknown video model")
	}

	idemKey := strings.TrimSpace(c.Get("Idempotency-Key"))
	if idemKey != "" {
		if taskID, ok := h.container.TaskKeys.Lookup(c.UserContext(), idemKey); ok {
			task, err := h.container.Orchestrator.GetTask(c.UserContext(), taskID)
			if err == nil {
				return c.Status(fiber.StatusOK).JSON(taskResponse(task))
			}
		}
	}

	task, err := h.container.Orchestrator.Start(c.UserContext(), orchestrator.Request{
		Media:       models.MediaVideo,
		Model:       entry.UpstreamKey,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Seed:        req.Seed,
	})
	if err != nil {
		return writeStartError(c, err)
	}

	if idemKey != "" {
		h.container.TaskKeys.Claim(c.UserContext(), idemKey, task.ID)
	}

	return c.Status(fiber.StatusAccepted).JSON(taskResponse(task))
}

func (h *generationHandler) getVideoGeneration(c *fiber.Ctx) error {
	task, err := h.container.Orchestrator.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "task not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "task lookup failed")
	}
	return c.JSON(taskResponse(task))
}

func writeStartError(c *fiber.Ctx, err error) error {
	if errors.Is(err, models.ErrNoCapacity) {
		c.Set(fiber.HeaderRetryAfter, "10")
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "no generation capacity available, retry later")
	}
	return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to start generation")
}

func writeFailedTask(c *fiber.Ctx, task models.GenerationTask) error {
	status := fiber.StatusBadGateway
	if task.ErrorClass == models.ErrClassPollTimeout {
		status = fiber.StatusGatewayTimeout
	}
	msg := task.ErrorMessage
	if msg == "" {
		msg = "generation failed"
	}
	return httputil.WriteError(c, status, msg)
}

// servableURLs prefers the durable cached copies over the short-lived
// upstream URLs.
func servableURLs(task models.GenerationTask) []string {
	if len(task.CachedURLs) > 0 {
		return task.CachedURLs
	}
	return task.ResultURLs
}

func taskResponse(task models.GenerationTask) fiber.Map {
	resp := fiber.Map{
		"id":         task.ID,
		"status":     string(task.Status),
		"progress":   task.Progress,
		"created_at": task.CreatedAt.Format(time.RFC3339),
	}
	if task.Status == models.TaskSucceeded {
		resp["urls"] = servableURLs(task)
	}
	if task.Status == models.TaskFailed {
		resp["error"] = fiber.Map{
			"class":   string(task.ErrorClass),
			"message": task.ErrorMessage,
		}
	}
	if task.CompletedAt != nil {
		resp["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
