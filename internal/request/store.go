// Package request persists the correlation row for each in-flight guest request. The row is the single source of
// truth for a request/response pair: the guest handler creates it, the owner session writes the response into it, and
// the guest handler deletes it when the response is read. Delete-on-read is the broker's primary garbage collection;
// only the guest timeout path needs an explicit Delete.
package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshare-dev/gitshare-relay/internal/postgres"
)

var (
	// ErrNotFound is returned when no row exists for a request id.
	ErrNotFound = errors.New("request not found")

	// ErrNoResponse is returned by TakeResponse when the row is missing or its response has not been written yet.
	ErrNoResponse = errors.New("no response for request")
)

// Store persists in-flight request rows.
type Store interface {
	// Create inserts a new row with a database-generated request id and a NULL response.
	Create(ctx context.Context, body []byte) (uuid.UUID, error)

	// Body returns the stored request body. The owner session uses this point-read to assemble the full GitRequest
	// after receiving a RequestNotify, which carries only metadata.
	Body(ctx context.Context, requestID uuid.UUID) ([]byte, error)

	// SetResponse writes the response and publishes the request id on the guest channel, atomically. Writing to a
	// reaped row is a no-op.
	SetResponse(ctx context.Context, requestID uuid.UUID, output []byte) error

	// TakeResponse atomically deletes the row and returns its response. Rows whose response is still NULL are left
	// in place; both that case and a missing row yield ErrNoResponse.
	TakeResponse(ctx context.Context, requestID uuid.UUID) ([]byte, error)

	// Delete removes the row regardless of state. Used by the guest timeout path to reap its own orphan.
	Delete(ctx context.Context, requestID uuid.UUID) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed request store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Create inserts a new request row.
func (s *PGStore) Create(ctx context.Context, body []byte) (uuid.UUID, error) {
	var requestID uuid.UUID
	err := s.db.QueryRow(ctx,
		`INSERT INTO requests (request_body) VALUES ($1) RETURNING request_id`, body,
	).Scan(&requestID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert request: %w", err)
	}
	return requestID, nil
}

// Body returns the stored request body.
func (s *PGStore) Body(ctx context.Context, requestID uuid.UUID) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(ctx,
		`SELECT request_body FROM requests WHERE request_id = $1`, requestID,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query request body: %w", err)
	}
	return body, nil
}

// SetResponse updates the response column and notifies the guest channel in one transaction, so a subscriber that
// sees the NOTIFY always finds the committed row. Notifications issued inside a transaction are delivered at commit.
func (s *PGStore) SetResponse(ctx context.Context, requestID uuid.UUID, output []byte) error {
	return postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE requests SET response = $1 WHERE request_id = $2`, output, requestID,
		); err != nil {
			return fmt.Errorf("update response: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT PG_NOTIFY('guest', $1)`, requestID.String()); err != nil {
			return fmt.Errorf("notify guest channel: %w", err)
		}
		return nil
	})
}

// TakeResponse deletes the row and returns its response. The response IS NOT NULL guard keeps a racing read from
// destroying a row the owner has not answered yet.
func (s *PGStore) TakeResponse(ctx context.Context, requestID uuid.UUID) ([]byte, error) {
	var output []byte
	err := s.db.QueryRow(ctx,
		`DELETE FROM requests WHERE request_id = $1 AND response IS NOT NULL RETURNING response`, requestID,
	).Scan(&output)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoResponse
		}
		return nil, fmt.Errorf("take response: %w", err)
	}
	return output, nil
}

// Delete removes the row.
func (s *PGStore) Delete(ctx context.Context, requestID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM requests WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

var _ Store = (*PGStore)(nil)
