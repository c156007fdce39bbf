package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

// UserHandler serves the authenticated caller's own identity.
type UserHandler struct{}

// NewUserHandler creates a new user handler.
func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

// UserID handles GET /user_id. It returns the caller's numeric user id as plain text. RequireSession runs first, so
// the locals entry is always present here.
func (h *UserHandler) UserID(c fiber.Ctx) error {
	userID, ok := identity.FromLocals(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	return c.SendString(strconv.FormatInt(int64(userID), 10))
}
