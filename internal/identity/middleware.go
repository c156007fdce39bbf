package identity

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/gitshare-dev/gitshare-relay/internal/httputil"
)

// localsUserID is the fiber.Ctx locals key holding the authenticated UserID.
const localsUserID = "userID"

// RequireSession returns Fiber middleware that resolves an `Authorization: Bearer <uuid>` header through the given
// repository and stores the resulting UserID in c.Locals. A missing header yields 401 "Required session token"; a
// malformed or unknown token yields 401 "Invalid session token"; a backend failure yields a generic 500.
func RequireSession(users Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Required session token")
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Required session token")
		}

		token, err := ParseSessionToken(header[len(prefix):])
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Invalid session token")
		}

		userID, err := users.Resolve(c.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidSessionToken) {
				return httputil.Fail(c, fiber.StatusUnauthorized, "Invalid session token")
			}
			log.Error().Err(err).Msg("Session token resolve failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
		}

		c.Locals(localsUserID, userID)
		return c.Next()
	}
}

// FromLocals returns the UserID stored by RequireSession.
func FromLocals(c fiber.Ctx) (UserID, bool) {
	id, ok := c.Locals(localsUserID).(UserID)
	return id, ok
}
