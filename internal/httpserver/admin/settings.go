package admin

import (
	"errors"
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/settings"
)

type settingsHandler struct {
	container *app.Container
}

type updateSettingRequest struct {
	Value string `json:"value"`
}

func (h *settingsHandler) list(c *fiber.Ctx) error {
	values := h.container.Settings.Values()
	locked := h.container.Settings.LockedKeys()

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	data := make([]fiber.Map, 0, len(keys))
	for _, key := range keys {
		entry := fiber.Map{
			"key":    key,
			"value":  settingValue(settings.Key(key), values[settings.Key(key)]),
			"locked": locked[settings.Key(key)],
		}
		if locked[settings.Key(key)] {
			entry["locked_by"] = settings.EnvVar(settings.Key(key))
		}
		data = append(data, entry)
	}
	return c.JSON(fiber.Map{"settings": data})
}

func (h *settingsHandler) update(c *fiber.Ctx) error {
	var req updateSettingRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}

	key := settings.Key(c.Params("key"))
	if err := h.container.Settings.Update(c.UserContext(), key, req.Value); err != nil {
		switch {
		case errors.Is(err, settings.ErrLocked):
			return httputil.WriteError(c, fiber.StatusConflict, err.Error())
		case errors.Is(err, settings.ErrUnknownKey):
			return httputil.WriteError(c, fiber.StatusNotFound, err.Error())
		default:
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *settingsHandler) reset(c *fiber.Ctx) error {
	key := settings.Key(c.Params("key"))
	if err := h.container.Settings.Reset(c.UserContext(), key); err != nil {
		if errors.Is(err, settings.ErrUnknownKey) {
			return httputil.WriteError(c, fiber.StatusNotFound, err.Error())
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "reset failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// settingValue redacts credentials so the settings listing is safe to show
// in the admin UI and in support bundles.
func settingValue(key settings.Key, value string) string {
	switch key {
	case settings.KeyAdminPassword, settings.KeyAPIKey:
		if value == "" {
			return ""
		}
		return "********"
	default:
		return value
	}
}
