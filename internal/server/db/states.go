package db

import (
	"context"
	"fmt"
	"time"
)

// CreateState persists a new authorization state.
func (s *Store) CreateState(ctx context.Context, st *OAuthState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO oauth_states (state, provider, user_id, created_at) VALUES (?, ?, ?, ?)`,
		st.State, st.Provider, st.UserID, st.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

// ConsumeState deletes the state and returns what it held. Only one caller
// can consume a given state; the others, and callers presenting an unknown
// state, get nil, nil.
func (s *Store) ConsumeState(ctx context.Context, state string) (*OAuthState, error) {
	st := &OAuthState{}
	found, err := s.get(ctx, st,
		`SELECT state, provider, user_id, created_at FROM oauth_states WHERE state = ?`, state)
	if err != nil {
		return nil, fmt.Errorf("get oauth state: %w", err)
	}
	if !found {
		return nil, nil
	}
	n, err := s.exec(ctx, `DELETE FROM oauth_states WHERE state = ?`, state)
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return st, nil
}

// DeleteStatesBefore removes states created before cutoff and reports how many.
func (s *Store) DeleteStatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx, `DELETE FROM oauth_states WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep oauth states: %w", err)
	}
	return n, nil
}
