package admin

import (
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/auth"
	"github.com/stamns/flow2api/internal/httpserver/httputil"
)

type loginHandler struct {
	container *app.Container
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *loginHandler) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}

	snap := h.container.Settings.Current()

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(snap.AdminUsername)) == 1
	passOK, err := auth.VerifyPassword(req.Password, h.container.AdminPasswordHash)
	if err != nil {
		passOK = false
	}
	if !userOK || !passOK {
		time.Sleep(200 * time.Millisecond)
		return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	token, expiresAt, err := h.container.Sessions.Issue(req.Username)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "session issue failed")
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}
