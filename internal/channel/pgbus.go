package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

// PGBus implements Bus over Postgres LISTEN/NOTIFY.
type PGBus struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGBus creates a new Postgres-backed notification bus.
func NewPGBus(db *pgxpool.Pool, logger zerolog.Logger) *PGBus {
	return &PGBus{db: db, log: logger.With().Str("component", "channel").Logger()}
}

// NotifyOwner publishes the notify as JSON on the owner channel.
func (b *PGBus) NotifyOwner(ctx context.Context, notify *RequestNotify) error {
	payload, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal request notify: %w", err)
	}
	if _, err := b.db.Exec(ctx, `SELECT PG_NOTIFY($1, $2)`, ownerChannel, string(payload)); err != nil {
		return fmt.Errorf("notify owner channel: %w", err)
	}
	return nil
}

// SubscribeOwner opens a dedicated listener on the owner channel.
func (b *PGBus) SubscribeOwner(ctx context.Context, userID identity.UserID) (OwnerSubscription, error) {
	l, err := b.listen(ctx, ownerChannel)
	if err != nil {
		return nil, err
	}
	return &ownerSubscription{listener: l, userID: userID, log: b.log}, nil
}

// SubscribeGuest opens a dedicated listener on the guest channel.
func (b *PGBus) SubscribeGuest(ctx context.Context, requestID uuid.UUID) (GuestSubscription, error) {
	l, err := b.listen(ctx, guestChannel)
	if err != nil {
		return nil, err
	}
	return &guestSubscription{listener: l, payload: requestID.String()}, nil
}

// listen acquires a pool connection, hijacks it so a cancelled wait cannot poison the pool, and executes LISTEN. The
// LISTEN round-trip completing is the subscription confirmation: any NOTIFY committed afterwards will reach this
// connection.
func (b *PGBus) listen(ctx context.Context, name string) (*listener, error) {
	poolConn, err := b.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	conn := poolConn.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen on %s channel: %w", name, err)
	}
	return &listener{conn: conn}, nil
}

// listener owns one hijacked connection subscribed to a single channel.
type listener struct {
	conn *pgx.Conn
}

func (l *listener) wait(ctx context.Context) (string, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", fmt.Errorf("wait for notification: %w", err)
	}
	return n.Payload, nil
}

func (l *listener) close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

type ownerSubscription struct {
	listener *listener
	userID   identity.UserID
	log      zerolog.Logger
}

func (s *ownerSubscription) Next(ctx context.Context) (*RequestNotify, error) {
	for {
		payload, err := s.listener.wait(ctx)
		if err != nil {
			return nil, err
		}

		var notify RequestNotify
		if err := json.Unmarshal([]byte(payload), &notify); err != nil {
			s.log.Debug().Err(err).Msg("Skipping malformed owner notify")
			continue
		}
		if notify.To != s.userID {
			continue
		}
		return &notify, nil
	}
}

func (s *ownerSubscription) Close(ctx context.Context) error {
	return s.listener.close(ctx)
}

type guestSubscription struct {
	listener *listener
	payload  string
}

func (s *guestSubscription) Next(ctx context.Context) error {
	for {
		payload, err := s.listener.wait(ctx)
		if err != nil {
			return err
		}
		if payload == s.payload {
			return nil
		}
	}
}

func (s *guestSubscription) Close(ctx context.Context) error {
	return s.listener.close(ctx)
}

var _ Bus = (*PGBus)(nil)
