// Package httputil holds the small response and logging helpers shared by HTTP handlers.
package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Fail sends a plain-text error response. Client-facing error kinds return their message verbatim; internal failures
// should pass a generic message and log the cause at the call site.
func Fail(c fiber.Ctx, status int, message string) error {
	return c.Status(status).SendString(message)
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(data)
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(data)
}
