// Package user provides read access to the user accounts owned by the REST
// tier. The realtime core only resolves identities for presence display; it
// never mutates user rows.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no user row matches the requested id.
var ErrNotFound = errors.New("user: not found")

// Identity is the resolved user principal attached to a connection after a
// successful handshake.
type Identity struct {
	ID       string
	Username string
	Avatar   string
}

// Store reads user accounts from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindByID looks up a user by id. Returns ErrNotFound if no row exists.
func (s *Store) FindByID(ctx context.Context, id string) (*Identity, error) {
	const query = `
		SELECT id, username, COALESCE(avatar, '')
		FROM users
		WHERE id = $1`

	var ident Identity
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ident.ID, &ident.Username, &ident.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: find by id: %w", err)
	}
	return &ident, nil
}
