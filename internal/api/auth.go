// Package api contains the HTTP and websocket handlers of the relay.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/gitshare-dev/gitshare-relay/internal/github"
	"github.com/gitshare-dev/gitshare-relay/internal/httputil"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

// AuthHandler serves the OAuth2 endpoints that turn a GitHub identity into a session token.
type AuthHandler struct {
	gh    github.Client
	users identity.Repository
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(gh github.Client, users identity.Repository) *AuthHandler {
	return &AuthHandler{gh: gh, users: users}
}

// Auth handles GET /oauth2/auth. It redirects the caller to the GitHub consent page.
func (h *AuthHandler) Auth(c fiber.Ctx) error {
	return c.Redirect().Status(fiber.StatusSeeOther).To(h.gh.AuthCodeURL())
}

// Register handles PUT /oauth2/register?code=… . It exchanges the authorization code for the caller's GitHub id,
// upserts the user (rotating any existing session token), and returns the fresh token as plain text.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	code := c.Query("code")
	if code == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "Missing auth code in query")
	}

	userID, err := h.gh.FetchUserID(c.Context(), code)
	if err != nil {
		if errors.Is(err, github.ErrConnect) {
			log.Warn().Err(err).Msg("GitHub identity lookup failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, "Failed to connect github api")
		}
		log.Error().Err(err).Msg("GitHub identity lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}

	token, err := h.users.Register(c.Context(), userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", int64(userID)).Msg("User registration failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}
	return c.SendString(token.String())
}
