package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gitshare-dev/gitshare-relay/internal/channel"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
	"github.com/gitshare-dev/gitshare-relay/internal/request"
	"github.com/gitshare-dev/gitshare-relay/internal/room"
)

const (
	// writeWait is the time allowed to write a frame to the owner CLI.
	writeWait = 10 * time.Second

	// teardownTimeout bounds the room-close and listener-close calls after the session ends.
	teardownTimeout = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the session uses. Sends happen from a single goroutine; the interface carries
// no concurrency guarantees beyond the underlying connection's.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one authenticated owner websocket. It opens the user's room, forwards matching owner-channel notifies to
// the CLI as GitRequest frames, and writes inbound GitResponse frames back into the request store. Two goroutines
// cooperate: a db->ws forwarder and a ws->db consumer; the session ends when either exits, and the room is closed on
// the way out no matter which side faulted.
type Session struct {
	conn     Conn
	userID   identity.UserID
	rooms    room.Registry
	requests request.Store
	bus      channel.Bus
	log      zerolog.Logger
}

// NewSession creates a session for an already authenticated owner connection.
func NewSession(
	conn Conn,
	userID identity.UserID,
	rooms room.Registry,
	requests request.Store,
	bus channel.Bus,
	logger zerolog.Logger,
) *Session {
	return &Session{
		conn:     conn,
		userID:   userID,
		rooms:    rooms,
		requests: requests,
		bus:      bus,
		log: logger.With().
			Str("component", "owner_session").
			Int64("user_id", int64(userID)).
			Logger(),
	}
}

// Run serves the session until the websocket closes, the listener fails, or ctx is cancelled. The room is opened only
// after the owner subscription is confirmed, so no request can be admitted before the session can observe it.
func (s *Session) Run(ctx context.Context) {
	sub, err := s.bus.SubscribeOwner(ctx, s.userID)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to subscribe to owner channel")
		_ = s.conn.Close()
		return
	}

	if err := s.rooms.SetOpen(ctx, s.userID, true); err != nil {
		s.log.Error().Err(err).Msg("Failed to open room")
		s.teardown(sub, false)
		return
	}
	s.log.Info().Msg("Owner session started, room open")

	runCtx, cancel := context.WithCancel(ctx)
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		defer cancel()
		s.forward(runCtx, sub)
		// Unblock the consumer, which may be parked in ReadMessage.
		_ = s.conn.Close()
	}()

	s.consume(runCtx)
	cancel()
	<-forwarderDone

	s.teardown(sub, true)
	s.log.Info().Msg("Owner session ended, room closed")
}

// forward streams owner-channel notifies to the CLI. Each notify is completed with the request body from the store
// before being sent; a missing row means the request was reaped and the notify is dropped. Store errors are transient
// and skipped. Websocket and listener errors end the session.
func (s *Session) forward(ctx context.Context, sub channel.OwnerSubscription) {
	for {
		notify, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("Owner subscription closed")
			}
			return
		}

		body, err := s.requests.Body(ctx, notify.ID)
		if err != nil {
			if errors.Is(err, request.ErrNotFound) {
				s.log.Debug().Stringer("request_id", notify.ID).Msg("Request row gone, dropping notify")
			} else {
				s.log.Warn().Err(err).Stringer("request_id", notify.ID).Msg("Failed to load request body")
			}
			continue
		}

		frame, err := json.Marshal(NewGitRequest(notify, body))
		if err != nil {
			s.log.Error().Err(err).Stringer("request_id", notify.ID).Msg("Failed to marshal git request")
			continue
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.log.Debug().Err(err).Msg("Websocket write failed")
			return
		}
	}
}

// consume reads GitResponse frames from the CLI and publishes them. Unrecognised frames are ignored rather than
// closed on; store failures are logged and the loop continues, leaving recovery to the guest-side timeout.
func (s *Session) consume(ctx context.Context) {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("Websocket read error")
			}
			return
		}

		var response GitResponse
		if err := json.Unmarshal(message, &response); err != nil || response.ID == uuid.Nil {
			continue
		}

		if err := s.requests.SetResponse(ctx, response.ID, response.Output); err != nil {
			s.log.Warn().Err(err).Stringer("request_id", response.ID).Msg("Failed to publish git response")
		}
	}
}

// teardown closes the room and releases the listener with a fresh deadline, independent of the session's own context.
// Errors on this path are logged and swallowed.
func (s *Session) teardown(sub channel.OwnerSubscription, closeRoom bool) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if closeRoom {
		if err := s.rooms.SetOpen(ctx, s.userID, false); err != nil {
			s.log.Error().Err(err).Msg("Failed to close room")
		}
	}
	if err := sub.Close(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Failed to close owner subscription")
	}
	_ = s.conn.Close()
}
