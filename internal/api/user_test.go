package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

func TestUserID(t *testing.T) {
	t.Parallel()

	handler := NewUserHandler()

	t.Run("returns the caller's id", func(t *testing.T) {
		t.Parallel()

		app := fiber.New()
		app.Get("/user_id", func(c fiber.Ctx) error {
			c.Locals("userID", identity.UserID(42))
			return c.Next()
		}, handler.UserID)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/user_id", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "42" {
			t.Errorf("body = %q, want %q", body, "42")
		}
	})

	t.Run("rejects when locals are absent", func(t *testing.T) {
		t.Parallel()

		app := fiber.New()
		app.Get("/user_id", handler.UserID)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/user_id", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}
