// Package channel implements the two Postgres LISTEN/NOTIFY topics coupling guest handlers to owner sessions.
//
// The "owner" channel carries RequestNotify JSON advertising a newly persisted guest request; each owner session
// filters by the `to` field. The "guest" channel carries the bare textual request id of a request whose response has
// been written; each guest handler filters by its own id.
//
// Delivery is best-effort and at-most-once: a NOTIFY reaches only the subscribers listening at that instant, and may
// arrive out of order relative to the write that caused it. The request-store row stays authoritative; subscribers
// re-read the store instead of trusting a payload. Subscriptions are therefore per-consumer: one fresh listener per
// owner session and per guest request, never shared.
package channel

import (
	"context"

	"github.com/google/uuid"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

const (
	// ownerChannel carries RequestNotify JSON to owner sessions.
	ownerChannel = "owner"

	// guestChannel carries textual request ids to waiting guest handlers.
	guestChannel = "guest"
)

// RequestNotify advertises a persisted guest request to the owner channel. It carries everything the owner CLI needs
// to invoke git-http-backend except the body, which stays in the request store to keep the pub/sub payload small.
type RequestNotify struct {
	To            identity.UserID `json:"to"`
	ID            uuid.UUID       `json:"id"`
	PathInfo      string          `json:"path_info"`
	RequestMethod string          `json:"request_method"`
	QueryString   *string         `json:"query_string"`
	ContentLength *string         `json:"content_length"`
	ContentType   *string         `json:"content_type"`
}

// OwnerSubscription streams the RequestNotify payloads addressed to one owner.
type OwnerSubscription interface {
	// Next blocks until a notify whose `to` field matches the subscribed user arrives, the context is cancelled, or
	// the underlying connection fails. Malformed and foreign payloads are skipped.
	Next(ctx context.Context) (*RequestNotify, error)

	// Close releases the dedicated listener connection.
	Close(ctx context.Context) error
}

// GuestSubscription signals when one request's response becomes available.
type GuestSubscription interface {
	// Next blocks until a notify carrying the subscribed request id arrives, the context is cancelled, or the
	// underlying connection fails. The signal is advisory; callers must read the request store afterwards.
	Next(ctx context.Context) error

	// Close releases the dedicated listener connection.
	Close(ctx context.Context) error
}

// Bus publishes to and subscribes on the owner and guest channels.
type Bus interface {
	// NotifyOwner publishes a RequestNotify on the owner channel.
	NotifyOwner(ctx context.Context, notify *RequestNotify) error

	// SubscribeOwner opens a fresh listener on the owner channel filtered to the given user. The subscription is
	// confirmed before SubscribeOwner returns.
	SubscribeOwner(ctx context.Context, userID identity.UserID) (OwnerSubscription, error)

	// SubscribeGuest opens a fresh listener on the guest channel filtered to the given request id. The subscription
	// is confirmed before SubscribeGuest returns, so a caller that subscribes before publishing cannot miss the
	// response notify.
	SubscribeGuest(ctx context.Context, requestID uuid.UUID) (GuestSubscription, error)
}
