package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
)

const connectionColumns = `id, provider, user_id, external_account_id, access_token_encrypted,
	refresh_token_encrypted, expires_at, email, display_name, base_uri, created_at, updated_at`

// CreateConnection inserts a fully populated connection in one statement.
func (s *Store) CreateConnection(ctx context.Context, c *Connection) error {
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.exec(ctx,
		`INSERT INTO connections (`+connectionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Provider, c.UserID, c.ExternalAccountID, c.AccessTokenEncrypted,
		c.RefreshTokenEncrypted, c.ExpiresAt.UTC(), c.Email, c.DisplayName, c.BaseURI,
		c.CreatedAt.UTC(), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	c := &Connection{}
	found, err := s.get(ctx, c, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if !found {
		return nil, nil
	}
	return c, nil
}

// FindConnectionByAccount returns the most recently updated connection for
// the external account on p.
func (s *Store) FindConnectionByAccount(ctx context.Context, p provider.Provider, externalAccountID string) (*Connection, error) {
	c := &Connection{}
	found, err := s.get(ctx, c,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE provider = ? AND external_account_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, p, externalAccountID)
	if err != nil {
		return nil, fmt.Errorf("find connection: %w", err)
	}
	if !found {
		return nil, nil
	}
	return c, nil
}

// LatestConnection returns the most recently updated connection on p.
func (s *Store) LatestConnection(ctx context.Context, p provider.Provider) (*Connection, error) {
	c := &Connection{}
	found, err := s.get(ctx, c,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE provider = ? ORDER BY updated_at DESC LIMIT 1`, p)
	if err != nil {
		return nil, fmt.Errorf("latest connection: %w", err)
	}
	if !found {
		return nil, nil
	}
	return c, nil
}

// ListConnections returns the connections owned by userID, or all of them
// when userID is empty.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	q := `SELECT ` + connectionColumns + ` FROM connections`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at`

	var conns []Connection
	if err := s.db.SelectContext(ctx, &conns, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// UpdateConnectionTokens stores refreshed tokens. Returns true if the
// connection still exists.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt time.Time) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE connections
		 SET access_token_encrypted = ?, refresh_token_encrypted = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		access, refresh, expiresAt.UTC(), s.now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update connection tokens: %w", err)
	}
	return n > 0, nil
}

// DeleteConnection removes a connection. Returns true if a row was deleted.
func (s *Store) DeleteConnection(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete connection: %w", err)
	}
	return n > 0, nil
}
