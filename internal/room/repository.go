// Package room tracks the per-user "room is open" flag that gates all guest traffic. A room is open exactly while an
// owner websocket session is serving requests for that user.
package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

// ErrNotOpen is returned when a user has no room row or the room is closed.
var ErrNotOpen = errors.New("user room is not open")

// Registry persists the room open/closed flag.
type Registry interface {
	// SetOpen upserts the flag for the user. Concurrent writes to the same room are serialized by the row lock.
	SetOpen(ctx context.Context, userID identity.UserID, isOpen bool) error

	// IsOpen reports the flag. A missing row yields ErrNotOpen rather than false so callers can distinguish
	// "never opened" from a backend failure.
	IsOpen(ctx context.Context, userID identity.UserID) (bool, error)

	// CloseAll forces every room shut. Run at startup: an open room with no live owner session is an inconsistency,
	// and after a crash every previously open room is exactly that.
	CloseAll(ctx context.Context) error
}

// PGRegistry implements Registry using PostgreSQL.
type PGRegistry struct {
	db *pgxpool.Pool
}

// NewPGRegistry creates a new PostgreSQL-backed room registry.
func NewPGRegistry(db *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{db: db}
}

// SetOpen upserts the room flag.
func (r *PGRegistry) SetOpen(ctx context.Context, userID identity.UserID, isOpen bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO rooms (user_id, is_open) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET is_open = $2`,
		int64(userID), isOpen,
	)
	if err != nil {
		return fmt.Errorf("upsert room status: %w", err)
	}
	return nil
}

// IsOpen reports whether the user's room is open.
func (r *PGRegistry) IsOpen(ctx context.Context, userID identity.UserID) (bool, error) {
	var isOpen bool
	err := r.db.QueryRow(ctx,
		`SELECT is_open FROM rooms WHERE user_id = $1`, int64(userID),
	).Scan(&isOpen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotOpen
		}
		return false, fmt.Errorf("query room status: %w", err)
	}
	return isOpen, nil
}

// CloseAll marks every room closed.
func (r *PGRegistry) CloseAll(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `UPDATE rooms SET is_open = FALSE WHERE is_open`)
	if err != nil {
		return fmt.Errorf("close all rooms: %w", err)
	}
	return nil
}

var _ Registry = (*PGRegistry)(nil)
