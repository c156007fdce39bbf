package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gitshare-dev/gitshare-relay/internal/cgi"
	"github.com/gitshare-dev/gitshare-relay/internal/channel"
	"github.com/gitshare-dev/gitshare-relay/internal/httputil"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
	"github.com/gitshare-dev/gitshare-relay/internal/request"
	"github.com/gitshare-dev/gitshare-relay/internal/room"
)

// GitHandler relays a guest's git-over-HTTP request to the owner's CLI and turns the CGI reply back into HTTP.
type GitHandler struct {
	rooms        room.Registry
	requests     request.Store
	bus          channel.Bus
	responseWait time.Duration
	log          zerolog.Logger
}

// NewGitHandler creates a new guest relay handler. responseWait bounds how long a guest blocks for the owner's reply.
func NewGitHandler(
	rooms room.Registry,
	requests request.Store,
	bus channel.Bus,
	responseWait time.Duration,
	logger zerolog.Logger,
) *GitHandler {
	return &GitHandler{
		rooms:        rooms,
		requests:     requests,
		bus:          bus,
		responseWait: responseWait,
		log:          logger.With().Str("component", "git_handler").Logger(),
	}
}

// Relay handles GET|POST /git/:user_id/*. The exchange is strictly ordered: the request row is inserted and the guest
// subscription confirmed before the owner channel is notified, so the response notify cannot slip through a gap.
func (h *GitHandler) Relay(c fiber.Ctx) error {
	rawID, err := strconv.ParseInt(c.Params("user_id"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, "User room is not open")
	}
	userID := identity.UserID(rawID)

	isOpen, err := h.rooms.IsOpen(c.Context(), userID)
	if err != nil && !errors.Is(err, room.ErrNotOpen) {
		h.log.Error().Err(err).Int64("user_id", rawID).Msg("Room lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}
	if err != nil || !isOpen {
		return httputil.Fail(c, fiber.StatusNotFound, "User room is not open")
	}

	notify := &channel.RequestNotify{
		To:            userID,
		PathInfo:      c.Params("*"),
		RequestMethod: c.Method(),
		QueryString:   optional(string(c.RequestCtx().URI().QueryString())),
		ContentLength: optional(c.Get(fiber.HeaderContentLength)),
		ContentType:   optional(c.Get(fiber.HeaderContentType)),
	}

	body := c.Body()
	requestID, err := h.requests.Create(c.Context(), body)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to persist request")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}
	notify.ID = requestID

	// Subscribe before NOTIFY: a listener opened afterwards could miss the response signal entirely.
	sub, err := h.bus.SubscribeGuest(c.Context(), requestID)
	if err != nil {
		h.log.Error().Err(err).Stringer("request_id", requestID).Msg("Failed to subscribe to guest channel")
		h.reap(requestID)
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sub.Close(closeCtx)
	}()

	if err := h.bus.NotifyOwner(c.Context(), notify); err != nil {
		h.log.Error().Err(err).Stringer("request_id", requestID).Msg("Failed to notify owner channel")
		h.reap(requestID)
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}

	output, err := h.await(c.Context(), sub, requestID)
	if err != nil {
		h.reap(requestID)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return httputil.Fail(c, fiber.StatusBadRequest, "Failed recv git response")
		}
		h.log.Error().Err(err).Stringer("request_id", requestID).Msg("Failed to read git response row")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}

	parsed, err := cgi.Parse(output)
	if err != nil {
		h.log.Error().Err(err).Stringer("request_id", requestID).Msg("Failed to parse git response")
		return httputil.Fail(c, fiber.StatusInternalServerError, "internal server error")
	}

	for name, values := range parsed.Header {
		for _, value := range values {
			c.Response().Header.Add(name, value)
		}
	}
	return c.Status(parsed.StatusCode).Send(parsed.Body)
}

// await blocks until the response row can be taken or the deadline passes. The notify is advisory: a matching payload
// whose row read still comes up empty (reordered delivery) just resumes the wait.
func (h *GitHandler) await(ctx context.Context, sub channel.GuestSubscription, requestID uuid.UUID) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.responseWait)
	defer cancel()

	for {
		if err := sub.Next(waitCtx); err != nil {
			return nil, err
		}

		output, err := h.requests.TakeResponse(ctx, requestID)
		if err != nil {
			if errors.Is(err, request.ErrNoResponse) {
				continue
			}
			return nil, err
		}
		return output, nil
	}
}

// reap best-effort-deletes the request row after a failed exchange so the table does not accumulate orphans.
func (h *GitHandler) reap(requestID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.requests.Delete(ctx, requestID); err != nil {
		h.log.Warn().Err(err).Stringer("request_id", requestID).Msg("Failed to reap request row")
	}
}

// optional maps an absent header or query string to nil so the wire field serialises as JSON null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
