// Package identity maps opaque session tokens to stable GitHub user ids. Tokens are random UUIDs minted by the
// database and rotated on every registration, implicitly revoking the previous one.
package identity

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrRequiredSessionToken is returned when no bearer token was supplied.
	ErrRequiredSessionToken = errors.New("required session token")

	// ErrInvalidSessionToken is returned when a bearer token is not a UUID or matches no user.
	ErrInvalidSessionToken = errors.New("invalid session token")
)

// UserID is the stable numeric identity of a user as reported by the external identity provider.
type UserID int64

// SessionToken is the opaque bearer credential identifying an authenticated user. It is never interchangeable with a
// request id even though both are UUIDs on the wire.
type SessionToken uuid.UUID

// ParseSessionToken parses the textual form of a bearer token.
func ParseSessionToken(s string) (SessionToken, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionToken{}, ErrInvalidSessionToken
	}
	return SessionToken(id), nil
}

// String returns the canonical textual form of the token.
func (t SessionToken) String() string {
	return uuid.UUID(t).String()
}
