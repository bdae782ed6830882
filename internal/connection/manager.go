// Package connection manages the OAuth lifecycle of platform connections:
// one-time authorization states, code completion and token refresh.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/crypto"
	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// StateTTL is how long an authorization state may wait for its callback.
	StateTTL = 10 * time.Minute
	// DefaultExpirySkew is subtracted from expires_at when deciding whether a
	// cached access token is still usable.
	DefaultExpirySkew = 60 * time.Second

	stateBytes     = 32
	refreshTimeout = 30 * time.Second
)

// ErrInvalidState is returned for an unknown, expired, reused or
// mismatched authorization state.
var ErrInvalidState = vaulterr.E(vaulterr.ErrAuthentication, "connection", errors.New("invalid or expired oauth state"))

// Manager owns connection tokens. It is safe for concurrent use.
type Manager struct {
	store    *db.Store
	registry provider.Registry
	sealer   *crypto.TokenSealer
	skew     time.Duration
	now      func() time.Time
	refresh  singleflight.Group
	log      *zap.SugaredLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithExpirySkew overrides DefaultExpirySkew.
func WithExpirySkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store *db.Store, registry provider.Registry, sealer *crypto.TokenSealer, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		sealer:   sealer,
		skew:     DefaultExpirySkew,
		now:      time.Now,
		log:      logx.With("component", "connection"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BeginAuthorization persists a fresh state and returns the platform's
// authorization URL carrying it.
func (m *Manager) BeginAuthorization(ctx context.Context, p provider.Provider, userID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "connection.Begin", "user_id is required")
	}
	adapter, err := m.registry.Get(p)
	if err != nil {
		return "", "", err
	}

	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", vaulterr.E(vaulterr.ErrInternal, "connection.Begin", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	st := &db.OAuthState{State: state, Provider: p, UserID: userID, CreatedAt: m.now().UTC()}
	if err := m.store.CreateState(ctx, st); err != nil {
		return "", "", vaulterr.E(vaulterr.ErrStorage, "connection.Begin", err)
	}
	return adapter.AuthCodeURL(state), state, nil
}

// CompleteAuthorization redeems state, exchanges code and persists the new
// connection. The state is consumed whatever the outcome. No connection row
// is written unless every step succeeds.
func (m *Manager) CompleteAuthorization(ctx context.Context, p provider.Provider, code, state string) (*db.Connection, error) {
	if state == "" {
		return nil, &AuthError{Kind: KindInvalidRequest, Err: vaulterr.Errorf(vaulterr.ErrInvalidRequest, "connection.Complete", "missing state")}
	}
	st, err := m.store.ConsumeState(ctx, state)
	if err != nil {
		return nil, &AuthError{Kind: KindDatabaseError, Err: vaulterr.E(vaulterr.ErrStorage, "connection.Complete", err)}
	}
	if code == "" {
		return nil, &AuthError{Kind: KindInvalidRequest, Err: vaulterr.Errorf(vaulterr.ErrInvalidRequest, "connection.Complete", "missing code")}
	}
	adapter, err := m.registry.Get(p)
	if err != nil {
		return nil, &AuthError{Kind: KindInvalidRequest, Err: err}
	}

	now := m.now()
	if st == nil || st.Provider != p || now.Sub(st.CreatedAt) > StateTTL {
		m.log.Warnw("rejected oauth callback", "provider", p, "reason", stateRejection(st, p))
		return nil, &AuthError{Kind: KindInvalidState, Err: ErrInvalidState}
	}

	tok, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, &AuthError{Kind: KindTokenError, Err: err}
	}
	if tok.RefreshToken == "" {
		return nil, &AuthError{Kind: KindTokenError, Err: vaulterr.Errorf(vaulterr.ErrDownstream, "connection.Complete", "%s returned no refresh token", p)}
	}

	profile, err := adapter.FetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, &AuthError{Kind: KindTokenError, Err: fmt.Errorf("fetch profile: %w", err)}
	}

	access, err := m.sealer.Seal(tok.AccessToken)
	if err != nil {
		return nil, &AuthError{Kind: KindServerError, Err: vaulterr.E(vaulterr.ErrInternal, "connection.Complete", err)}
	}
	refresh, err := m.sealer.Seal(tok.RefreshToken)
	if err != nil {
		return nil, &AuthError{Kind: KindServerError, Err: vaulterr.E(vaulterr.ErrInternal, "connection.Complete", err)}
	}

	conn := &db.Connection{
		ID:                    uuid.NewString(),
		Provider:              p,
		UserID:                st.UserID,
		ExternalAccountID:     profile.ExternalID,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		ExpiresAt:             now.Add(tok.ExpiresIn).UTC(),
		Email:                 profile.Email,
		DisplayName:           profile.DisplayName,
		BaseURI:               profile.BaseURI,
	}
	if err := m.store.CreateConnection(ctx, conn); err != nil {
		return nil, &AuthError{Kind: KindDatabaseError, Err: vaulterr.E(vaulterr.ErrStorage, "connection.Complete", err)}
	}
	m.log.Infow("connection created", "id", conn.ID, "provider", p, "user_id", conn.UserID, "account", conn.ExternalAccountID)
	return conn, nil
}

// AbandonAuthorization consumes state for a callback that will not be
// completed, such as one carrying a platform error. An empty state is a no-op.
func (m *Manager) AbandonAuthorization(ctx context.Context, state string) error {
	if state == "" {
		return nil
	}
	st, err := m.store.ConsumeState(ctx, state)
	if err != nil {
		return vaulterr.E(vaulterr.ErrStorage, "connection.Abandon", err)
	}
	if st != nil {
		m.log.Infow("oauth authorization abandoned", "provider", st.Provider, "user_id", st.UserID)
	}
	return nil
}

func stateRejection(st *db.OAuthState, p provider.Provider) string {
	switch {
	case st == nil:
		return "unknown or reused state"
	case st.Provider != p:
		return "provider mismatch"
	default:
		return "expired"
	}
}

func (m *Manager) usable(c *db.Connection) bool {
	return m.now().Before(c.ExpiresAt.Add(-m.skew))
}

// GetValidAccessToken returns the connection's access token, refreshing it
// first when it is within the expiry skew. Concurrent refreshes of one
// connection collapse into a single platform call.
func (m *Manager) GetValidAccessToken(ctx context.Context, c *db.Connection) (string, error) {
	if m.usable(c) {
		token, err := m.sealer.Open(c.AccessTokenEncrypted)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrInternal, "connection.Token", err)
		}
		return token, nil
	}
	return m.refreshToken(ctx, c.ID, "")
}

// ForceRefresh refreshes after the platform rejected staleToken. When the
// stored token already differs from staleToken a sibling has refreshed and
// the stored token is returned as is.
func (m *Manager) ForceRefresh(ctx context.Context, c *db.Connection, staleToken string) (string, error) {
	return m.refreshToken(ctx, c.ID, staleToken)
}

func (m *Manager) refreshToken(ctx context.Context, id, stale string) (string, error) {
	v, err, shared := m.refresh.Do(id, func() (any, error) {
		// Shared by every waiting caller, so not bound to the first one's cancellation.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		cur, err := m.store.GetConnection(ctx, id)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrStorage, "connection.Refresh", err)
		}
		if cur == nil {
			return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "connection.Refresh", "connection %s not found", id)
		}
		access, err := m.sealer.Open(cur.AccessTokenEncrypted)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrInternal, "connection.Refresh", err)
		}
		if stale != "" && access != stale {
			return access, nil
		}
		if stale == "" && m.usable(cur) {
			return access, nil
		}

		adapter, err := m.registry.Get(cur.Provider)
		if err != nil {
			return "", err
		}
		rt, err := m.sealer.Open(cur.RefreshTokenEncrypted)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrInternal, "connection.Refresh", err)
		}
		tok, err := adapter.RefreshToken(ctx, rt)
		if err != nil {
			m.log.Warnw("token refresh failed", "id", id, "provider", cur.Provider, "error", err)
			return "", err
		}

		sealedAccess, err := m.sealer.Seal(tok.AccessToken)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrInternal, "connection.Refresh", err)
		}
		sealedRefresh, err := m.sealer.Seal(tok.RefreshToken)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrInternal, "connection.Refresh", err)
		}
		expiresAt := m.now().Add(tok.ExpiresIn)
		ok, err := m.store.UpdateConnectionTokens(ctx, id, sealedAccess, sealedRefresh, expiresAt)
		if err != nil {
			return "", vaulterr.E(vaulterr.ErrStorage, "connection.Refresh", err)
		}
		if !ok {
			return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "connection.Refresh", "connection %s was deleted", id)
		}
		m.log.Infow("token refreshed", "id", id, "provider", cur.Provider, "expires_at", expiresAt.UTC())
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.log.Debugw("joined in-flight refresh", "id", id)
	}
	return v.(string), nil
}

// ListConnections returns the connections of userID, or all when empty.
func (m *Manager) ListConnections(ctx context.Context, userID string) ([]db.Connection, error) {
	conns, err := m.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, vaulterr.E(vaulterr.ErrStorage, "connection.List", err)
	}
	return conns, nil
}

// DeleteConnection removes a connection. Returns false if it did not exist.
func (m *Manager) DeleteConnection(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.DeleteConnection(ctx, id)
	if err != nil {
		return false, vaulterr.E(vaulterr.ErrStorage, "connection.Delete", err)
	}
	if ok {
		m.log.Infow("connection deleted", "id", id)
	}
	return ok, nil
}

// SweepExpiredStates removes states older than StateTTL.
func (m *Manager) SweepExpiredStates(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteStatesBefore(ctx, m.now().Add(-StateTTL))
	if err != nil {
		return 0, vaulterr.E(vaulterr.ErrStorage, "connection.Sweep", err)
	}
	if n > 0 {
		m.log.Debugw("swept expired oauth states", "count", n)
	}
	return n, nil
}

// RunStateSweeper calls SweepExpiredStates every interval until ctx is done.
func (m *Manager) RunStateSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.SweepExpiredStates(ctx); err != nil && ctx.Err() == nil {
				m.log.Warnw("state sweep failed", "error", err)
			}
		}
	}
}
