package api

import (
	"context"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gitshare-dev/gitshare-relay/internal/channel"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
	"github.com/gitshare-dev/gitshare-relay/internal/relay"
	"github.com/gitshare-dev/gitshare-relay/internal/request"
	"github.com/gitshare-dev/gitshare-relay/internal/room"
)

// ShareHandler serves the owner-side websocket endpoint.
type ShareHandler struct {
	rooms    room.Registry
	requests request.Store
	bus      channel.Bus
	log      zerolog.Logger
}

// NewShareHandler creates a new share handler.
func NewShareHandler(rooms room.Registry, requests request.Store, bus channel.Bus, logger zerolog.Logger) *ShareHandler {
	return &ShareHandler{rooms: rooms, requests: requests, bus: bus, log: logger}
}

// Share handles GET /share. RequireSession has already authenticated the owner; the connection is upgraded and handed
// to a relay session that serves until either side disconnects.
func (h *ShareHandler) Share(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	userID, ok := identity.FromLocals(c)
	if !ok {
		return fiber.ErrUnauthorized
	}

	return websocket.New(func(conn *websocket.Conn) {
		session := relay.NewSession(conn.Conn, userID, h.rooms, h.requests, h.bus, h.log)
		session.Run(context.Background())
	})(c)
}
