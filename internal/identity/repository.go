package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the session token <-> user id mapping.
type Repository interface {
	// Register upserts the user. An existing user gets a freshly rotated token with a reset created_at; the previous
	// token stops resolving. Returns the current token.
	Register(ctx context.Context, userID UserID) (SessionToken, error)

	// Resolve returns the user id owning the given session token, or ErrInvalidSessionToken when no row matches.
	Resolve(ctx context.Context, token SessionToken) (UserID, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed identity repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Register inserts or rotates the user's session token. The token is minted by the database so rotation and insert
// share one statement.
func (r *PGRepository) Register(ctx context.Context, userID UserID) (SessionToken, error) {
	var token uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET session_token = gen_random_uuid(), created_at = CURRENT_TIMESTAMP
		 RETURNING session_token`,
		int64(userID),
	).Scan(&token)
	if err != nil {
		return SessionToken{}, fmt.Errorf("register user: %w", err)
	}
	return SessionToken(token), nil
}

// Resolve looks up the user owning the token.
func (r *PGRepository) Resolve(ctx context.Context, token SessionToken) (UserID, error) {
	var userID int64
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM users WHERE session_token = $1`, uuid.UUID(token),
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInvalidSessionToken
		}
		return 0, fmt.Errorf("query user by session token: %w", err)
	}
	return UserID(userID), nil
}
