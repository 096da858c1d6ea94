package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/models"
)

// modelEntry maps a public model id to the upstream model key it drives.
type modelEntry struct {
	ID          string
	Media       models.MediaType
	UpstreamKey string
}

// The catalog mirrors the generation models the Flow backend accepts. Video
// models differ in speed and quality tier; the single image model renders
// stills through the same pipeline.
var modelCatalog = []modelEntry{
	{ID: "flow-veo-3", Media: models.MediaVideo, UpstreamKey: "veo_3_0_t2v"},
	{ID: "flow-veo-3-fast", Media: models.MediaVideo, UpstreamKey: "veo_3_0_t2v_fast"},
	{ID: "flow-veo-2", Media: models.MediaVideo, UpstreamKey: "veo_2_0_t2v"},
	{ID: "flow-imagen-3", Media: models.MediaImage, UpstreamKey: "imagen_3_1"},
}

func lookupModel(id string, media models.MediaType) (modelEntry, bool) {
	if id == "" {
		// Default to the first catalog entry for the media type.
		for _, entry := range modelCatalog {
			if entry.Media == media {
				return entry, true
			}
		}
		return modelEntry{}, false
	}
	for _, entry := range modelCatalog {
		if entry.ID == id && entry.Media == media {
			return entry, true
		}
	}
	return modelEntry{}, false
}

func (h *generationHandler) listModels(c *fiber.Ctx) error {
	data := make([]fiber.Map, 0, len(modelCatalog))
	for _, entry := range modelCatalog {
		data = append(data, fiber.Map{
			"id":       entry.ID,
			"object":   "model",
			"owned_by": "flow2api",
			"media":    string(entry.Media),
		})
	}
	return c.JSON(fiber.Map{
		"object": "list",
		"data":   data,
	})
}
