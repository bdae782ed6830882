package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aspect-build/sealvault/internal/crypto"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scripted provider.Adapter.
type fakeAdapter struct {
	provider.Adapter // unused methods panic

	p            provider.Provider
	exchangeErr  error
	profileErr   error
	noRefresh    bool
	refreshDelay time.Duration
	refreshes    atomic.Int32
}

func (f *fakeAdapter) Provider() provider.Provider { return f.p }

func (f *fakeAdapter) AuthCodeURL(state string) string {
	return "https://auth.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeAdapter) ExchangeCode(ctx context.Context, code string) (*provider.TokenSet, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	ts := &provider.TokenSet{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: time.Hour}
	if f.noRefresh {
		ts.RefreshToken = ""
	}
	return ts, nil
}

func (f *fakeAdapter) FetchProfile(ctx context.Context, accessToken string) (*provider.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &provider.Profile{ExternalID: "acct-1", Email: "signer@example.com", DisplayName: "Signer"}, nil
}

func (f *fakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	n := f.refreshes.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	return &provider.TokenSet{
		AccessToken:  "refreshed-" + string(rune('0'+n)),
		RefreshToken: refreshToken,
		ExpiresIn:    time.Hour,
	}, nil
}

type fixture struct {
	m     *Manager
	store *db.Store
	fake  *fakeAdapter
	clock *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	sealer, err := crypto.NewTokenSealer(key)
	require.NoError(t, err)

	fake := &fakeAdapter{p: provider.DocuSign}
	clock := &testClock{now: time.Now().UTC()}
	m := New(store, provider.NewRegistry(fake), sealer, WithClock(clock.Now))
	return &fixture{m: m, store: store, fake: fake, clock: clock}
}

func (f *fixture) connect(t *testing.T) *db.Connection {
	t.Helper()
	ctx := context.Background()
	_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)
	conn, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
	require.NoError(t, err)
	return conn
}

func countConnections(t *testing.T, s *db.Store) int {
	t.Helper()
	conns, err := s.ListConnections(context.Background(), "")
	require.NoError(t, err)
	return len(conns)
}

func TestBeginAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	authURL, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)
	assert.Len(t, state, 43) // 32 bytes, base64url without padding
	assert.Contains(t, authURL, url.QueryEscape(state))

	_, other, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, state, other)

	_, _, err = f.m.BeginAuthorization(ctx, provider.DocuSign, " ")
	assert.ErrorIs(t, err, vaulterr.ErrInvalidRequest)

	_, _, err = f.m.BeginAuthorization(ctx, provider.PandaDoc, "user-1")
	assert.ErrorIs(t, err, vaulterr.ErrInvalidRequest, "unconfigured provider")
}

func TestCompleteAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)

	conn, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
	require.NoError(t, err)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, "acct-1", conn.ExternalAccountID)
	assert.Equal(t, "signer@example.com", conn.Email)
	assert.WithinDuration(t, f.clock.Now().Add(time.Hour), conn.ExpiresAt, time.Second)
	assert.Equal(t, 1, countConnections(t, f.store))

	// Tokens are sealed at rest and never serialized.
	assert.NotContains(t, string(conn.AccessTokenEncrypted), "access-code1")
	raw, err := json.Marshal(conn)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "refresh")
	assert.NotContains(t, string(raw), "access_token")

	// Reusing the state is rejected.
	_, err = f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, vaulterr.ErrAuthentication)
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, 1, countConnections(t, f.store))
}

func TestCompleteAuthorization_RejectsBadState(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
		require.NoError(t, err)
		f.clock.Advance(StateTTL + time.Second)

		_, err = f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
		assert.Equal(t, KindInvalidState, KindOf(err))
		// Consumed anyway.
		got, _ := f.store.ConsumeState(ctx, state)
		assert.Nil(t, got)
	})

	t.Run("provider mismatch", func(t *testing.T) {
		f := newFixture(t)
		signnow := &fakeAdapter{p: provider.SignNow}
		f.m.registry[provider.SignNow] = signnow
		_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
		require.NoError(t, err)

		_, err = f.m.CompleteAuthorization(ctx, provider.SignNow, "code1", state)
		assert.Equal(t, KindInvalidState, KindOf(err))
		assert.Equal(t, 0, countConnections(t, f.store))
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", "nope")
		assert.Equal(t, KindInvalidState, KindOf(err))
	})

	t.Run("missing code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "", "s")
		assert.Equal(t, KindInvalidRequest, KindOf(err))
		assert.ErrorIs(t, err, vaulterr.ErrInvalidRequest)
	})
}

func TestCompleteAuthorization_FirstAttemptBurnsState(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		first func(f *fixture, state string) error
		kind  FailureKind
	}{
		{"missing code", func(f *fixture, state string) error {
			_, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "", state)
			return err
		}, KindInvalidRequest},
		{"unconfigured provider", func(f *fixture, state string) error {
			_, err := f.m.CompleteAuthorization(ctx, provider.PandaDoc, "code1", state)
			return err
		}, KindInvalidRequest},
		{"token exchange", func(f *fixture, state string) error {
			f.fake.exchangeErr = &provider.TokenExchangeError{Provider: provider.DocuSign, Status: 400}
			defer func() { f.fake.exchangeErr = nil }()
			_, err := f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
			return err
		}, KindTokenError},
		{"abandoned", func(f *fixture, state string) error {
			if err := f.m.AbandonAuthorization(ctx, state); err != nil {
				return err
			}
			return &AuthError{Kind: KindInvalidRequest, Err: errors.New("abandoned")}
		}, KindInvalidRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
			require.NoError(t, err)

			err = c.first(f, state)
			assert.Equal(t, c.kind, KindOf(err))

			_, err = f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
			assert.Equal(t, KindInvalidState, KindOf(err), "state must not be redeemable twice")
			assert.Equal(t, 0, countConnections(t, f.store))
		})
	}
}

func TestAbandonAuthorization_EmptyOrUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.NoError(t, f.m.AbandonAuthorization(ctx, ""))
	assert.NoError(t, f.m.AbandonAuthorization(ctx, "never-issued"))
}

func TestCompleteAuthorization_DownstreamFailures(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		setup func(*fakeAdapter)
	}{
		{"token exchange", func(a *fakeAdapter) {
			a.exchangeErr = &provider.TokenExchangeError{Provider: provider.DocuSign, Status: 400, Body: `{"error":"invalid_grant"}`}
		}},
		{"profile", func(a *fakeAdapter) {
			a.profileErr = &provider.DownloadError{Provider: provider.DocuSign, Status: 403}
		}},
		{"no refresh token", func(a *fakeAdapter) { a.noRefresh = true }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			c.setup(f.fake)
			_, state, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
			require.NoError(t, err)

			_, err = f.m.CompleteAuthorization(ctx, provider.DocuSign, "code1", state)
			require.Error(t, err)
			assert.Equal(t, KindTokenError, KindOf(err))
			assert.ErrorIs(t, err, vaulterr.ErrDownstream)
			assert.Equal(t, 0, countConnections(t, f.store), "no partial connection")
		})
	}
}

func TestGetValidAccessToken_CachedAndRefreshed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t)

	token, err := f.m.GetValidAccessToken(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "access-code1", token)
	assert.EqualValues(t, 0, f.fake.refreshes.Load())

	// Inside the skew window the token is refreshed.
	f.clock.Advance(time.Hour - 30*time.Second)
	token, err = f.m.GetValidAccessToken(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)
	assert.EqualValues(t, 1, f.fake.refreshes.Load())

	// A stale in-memory copy picks up the stored token without refreshing again.
	token, err = f.m.GetValidAccessToken(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)
	assert.EqualValues(t, 1, f.fake.refreshes.Load())

	stored, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.After(conn.ExpiresAt))
}

func TestGetValidAccessToken_ConcurrentRefreshOnce(t *testing.T) {
	f := newFixture(t)
	f.fake.refreshDelay = 50 * time.Millisecond
	conn := f.connect(t)
	f.clock.Advance(2 * time.Hour)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.m.GetValidAccessToken(context.Background(), conn)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", tokens[i])
	}
	assert.EqualValues(t, 1, f.fake.refreshes.Load())
}

func TestForceRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t)

	// The token is not expired, but the platform rejected it.
	token, err := f.m.ForceRefresh(ctx, conn, "access-code1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)
	assert.EqualValues(t, 1, f.fake.refreshes.Load())

	// A second worker holding the same stale token reuses the new one.
	token, err = f.m.ForceRefresh(ctx, conn, "access-code1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)
	assert.EqualValues(t, 1, f.fake.refreshes.Load())
}

func TestRefreshDeletedConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t)

	ok, err := f.m.DeleteConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.m.ForceRefresh(ctx, conn, "access-code1")
	assert.ErrorIs(t, err, vaulterr.ErrInvalidRequest)

	ok, err = f.m.DeleteConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListConnections(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	conns, err := f.m.ListConnections(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	conns, err = f.m.ListConnections(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestSweepExpiredStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, old, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)
	f.clock.Advance(StateTTL + time.Minute)
	_, fresh, err := f.m.BeginAuthorization(ctx, provider.DocuSign, "user-1")
	require.NoError(t, err)

	n, err := f.m.SweepExpiredStates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := f.store.ConsumeState(ctx, old)
	assert.Nil(t, got)
	got, _ = f.store.ConsumeState(ctx, fresh)
	assert.NotNil(t, got)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindServerError, KindOf(errors.New("boom")))
	assert.Equal(t, KindDatabaseError, KindOf(vaulterr.E(vaulterr.ErrStorage, "x", errors.New("disk"))))
	assert.Equal(t, KindTokenError, KindOf(&provider.TokenExchangeError{Status: 500}))
}
