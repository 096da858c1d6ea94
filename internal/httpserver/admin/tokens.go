package admin

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/store"
)

type tokenHandler struct {
	container *app.Container
}

type createTokenRequest struct {
	Name             string  `json:"name"`
	AccessToken      string  `json:"access_token"`
	TokenExpiry      string  `json:"token_expiry"`
	SessionCookie    string  `json:"session_cookie"`
	IsActive         *bool   `json:"is_active"`
	ImageConcurrency int     `json:"image_concurrency"`
	VideoConcurrency int     `json:"video_concurrency"`
	Credits          float64 `json:"credits"`
}

type updateTokenRequest struct {
	Name             *string  `json:"name"`
	AccessToken      *string  `json:"access_token"`
	TokenExpiry      *string  `json:"token_expiry"`
	SessionCookie    *string  `json:"session_cookie"`
	IsActive         *bool    `json:"is_active"`
	ImageConcurrency *int     `json:"image_concurrency"`
	VideoConcurrency *int     `json:"video_concurrency"`
	Credits          *float64 `json:"credits"`
}

func (h *tokenHandler) list(c *fiber.Ctx) error {
	threshold := h.container.Settings.Current().ErrorBanThreshold

	candidates := h.container.Registry.List()
	data := make([]fiber.Map, 0, len(candidates))
	for _, cand := range candidates {
		data = append(data, tokenView(cand.Token, cand.InFlight, threshold))
	}
	return c.JSON(fiber.Map{"tokens": data})
}

func (h *tokenHandler) create(c *fiber.Ctx) error {
	var req createTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.AccessToken == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "access_token is required")
	}
	if req.ImageConcurrency < 0 || req.VideoConcurrency < 0 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "concurrency must be >= 0")
	}

	params := store.CreateTokenParams{
		Name:             req.Name,
		AccessToken:      req.AccessToken,
		SessionCookie:    req.SessionCookie,
		IsActive:         true,
		ImageConcurrency: req.ImageConcurrency,
		VideoConcurrency: req.VideoConcurrency,
		Credits:          decimal.NewFromFloat(req.Credits),
	}
	if req.IsActive != nil {
		params.IsActive = *req.IsActive
	}
	if req.TokenExpiry != "" {
		expiry, err := time.Parse(time.RFC3339, req.TokenExpiry)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "token_expiry must be RFC3339")
		}
		params.TokenExpiry = expiry
	}

	tok, err := h.container.Registry.Create(c.UserContext(), params)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "create token failed")
	}

	threshold := h.container.Settings.Current().ErrorBanThreshold
	return c.Status(fiber.StatusCreated).JSON(tokenView(tok, 0, threshold))
}

func (h *tokenHandler) update(c *fiber.Ctx) error {
	id, err := parseTokenID(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid token id")
	}

	var req updateTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}

	params := store.UpdateTokenParams{
		Name:             req.Name,
		AccessToken:      req.AccessToken,
		SessionCookie:    req.SessionCookie,
		IsActive:         req.IsActive,
		ImageConcurrency: req.ImageConcurrency,
		VideoConcurrency: req.VideoConcurrency,
	}
	if req.Credits != nil {
		credits := decimal.NewFromFloat(*req.Credits)
		params.Credits = &credits
	}
	if req.TokenExpiry != nil {
		expiry, err := time.Parse(time.RFC3339, *req.TokenExpiry)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "token_expiry must be RFC3339")
		}
		params.TokenExpiry = &expiry
	}

	tok, err := h.container.Registry.Update(c.UserContext(), id, params)
	if err != nil {
		if errors.Is(err, models.ErrTokenNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "token not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "update token failed")
	}

	threshold := h.container.Settings.Current().ErrorBanThreshold
	inFlight := h.container.Admission.TotalInFlight(id)
	return c.JSON(tokenView(tok, inFlight, threshold))
}

func (h *tokenHandler) delete(c *fiber.Ctx) error {
	id, err := parseTokenID(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid token id")
	}

	if err := h.container.Registry.Delete(c.UserContext(), id); err != nil {
		switch {
		case errors.Is(err, models.ErrTokenBusy):
			return httputil.WriteError(c, fiber.StatusConflict, "token has in-flight jobs")
		case errors.Is(err, models.ErrTokenNotFound):
			return httputil.WriteError(c, fiber.StatusNotFound, "token not found")
		default:
			return httputil.WriteError(c, fiber.StatusInternalServerError, "delete token failed")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *tokenHandler) resetErrors(c *fiber.Ctx) error {
	id, err := parseTokenID(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid token id")
	}

	if err := h.container.Registry.ResetErrors(c.UserContext(), id); err != nil {
		if errors.Is(err, models.ErrTokenNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "token not found")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "reset failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseTokenID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func tokenView(tok models.Token, inFlight int, banThreshold int) fiber.Map {
	view := fiber.Map{
		"id":                 tok.ID,
		"name":               tok.Name,
		"access_token":       tok.Masked(),
		"is_active":          tok.IsActive,
		"banned":             tok.Banned(banThreshold),
		"consecutive_errors": tok.ConsecutiveErrors,
		"image_concurrency":  tok.ImageConcurrency,
		"video_concurrency":  tok.VideoConcurrency,
		"in_flight":          inFlight,
		"credits":            tok.Credits.String(),
		"image_count":        tok.ImageCount,
		"video_count":        tok.VideoCount,
		"error_count":        tok.ErrorCount,
		"daily_image_count":  tok.DailyImageCount,
		"daily_video_count":  tok.DailyVideoCount,
		"daily_error_count":  tok.DailyErrorCount,
		"created_at":         tok.CreatedAt.Format(time.RFC3339),
	}
	if !tok.LastUsedAt.IsZero() {
		view["last_used_at"] = tok.LastUsedAt.Format(time.RFC3339)
	}
	if !tok.TokenExpiry.IsZero() {
		view["token_expiry"] = tok.TokenExpiry.Format(time.RFC3339)
	}
	return view
}
